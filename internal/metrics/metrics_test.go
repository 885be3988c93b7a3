package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAdmission(t *testing.T) {
	before := testutil.ToFloat64(AdmissionsTotal.WithLabelValues("reject"))
	RecordAdmission("reject")
	RecordAdmission("reject")
	after := testutil.ToFloat64(AdmissionsTotal.WithLabelValues("reject"))
	if after-before != 2 {
		t.Fatalf("reject admissions grew by %v, want 2", after-before)
	}
}

func TestSetConnections(t *testing.T) {
	SetConnections(7)
	if got := testutil.ToFloat64(ConnectionsCurrent); got != 7 {
		t.Fatalf("connections gauge = %v, want 7", got)
	}
	SetConnections(0)
}
