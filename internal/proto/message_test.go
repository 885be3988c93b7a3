package proto

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeJoinData(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "valid", data: `{"activityId":"act1","userId":"u1","userName":"Ada"}`},
		{name: "missing activity", data: `{"userId":"u1"}`, wantErr: "activityId is required"},
		{name: "missing both", data: `{}`, wantErr: "userId is required"},
		{name: "too long", data: `{"activityId":"` + strings.Repeat("x", 200) + `","userId":"u1"}`, wantErr: "activityId must be at most 128"},
		{name: "not an object", data: `[1,2]`, wantErr: "invalid join_activity payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var jd JoinData
			err := DecodeData(Inbound{Type: InboundTypeJoin, Data: json.RawMessage(tt.data)}, &jd)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if jd.ActivityID != "act1" || jd.UserID != "u1" || jd.UserName != "Ada" {
					t.Fatalf("unexpected decode: %+v", jd)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeMutationWithoutData(t *testing.T) {
	var md MutationData
	if err := DecodeData(Inbound{Type: "tag_added"}, &md); err != nil {
		t.Fatalf("empty payload should decode: %v", err)
	}
	if md.ActivityID != "" || md.Payload != nil {
		t.Fatalf("unexpected decode: %+v", md)
	}
}

func TestOutboundOmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(Outbound{Type: OutboundTypePong})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"type":"pong"}` {
		t.Fatalf("got %s", b)
	}
}
