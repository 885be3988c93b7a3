package core

import "fmt"

// Thresholds are the admission limits of a deployment.
// Soft is the count at which admissions start carrying a warning,
// Hard is the count at which admissions are refused.
type Thresholds struct {
	Soft int
	Hard int
}

// Validate reports thresholds that cannot gate anything sensibly.
func (t Thresholds) Validate() error {
	if t.Soft <= 0 {
		return fmt.Errorf("soft limit must be positive, got %d", t.Soft)
	}
	if t.Hard < t.Soft {
		return fmt.Errorf("hard limit %d is below soft limit %d", t.Hard, t.Soft)
	}
	return nil
}

// DecisionKind orders admission outcomes from most to least permissive.
type DecisionKind int

const (
	// Accept admits the connection.
	Accept DecisionKind = iota
	// AcceptWithWarning admits the connection and flags high traffic.
	AcceptWithWarning
	// Reject refuses the connection.
	Reject
)

func (k DecisionKind) String() string {
	switch k {
	case Accept:
		return "accept"
	case AcceptWithWarning:
		return "warn"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Admitted reports whether the connection may proceed.
func (k DecisionKind) Admitted() bool {
	return k != Reject
}

const (
	warningMessage = "The server is experiencing high traffic. You may notice slower updates."
	rejectMessage  = "The server is at capacity. Please try again in a few minutes."
)

// Decision is the outcome of evaluating one admission attempt.
// Current is the number of connections before this attempt; Max is the hard limit.
type Decision struct {
	Kind    DecisionKind
	Message string
	Current int
	Max     int
}

// Evaluate decides whether a new connection may be admitted when current
// connections already exist. Both bounds are inclusive: current == Soft warns,
// current == Hard rejects.
func Evaluate(current int, t Thresholds) Decision {
	d := Decision{Kind: Accept, Current: current, Max: t.Hard}
	switch {
	case current >= t.Hard:
		d.Kind = Reject
		d.Message = rejectMessage
	case current >= t.Soft:
		d.Kind = AcceptWithWarning
		d.Message = warningMessage
	}
	return d
}

// CapacityStatus summarizes load for health checks and the capacity alert UI.
type CapacityStatus string

const (
	CapacityNormal CapacityStatus = "normal"
	CapacityHigh   CapacityStatus = "high"
	CapacityFull   CapacityStatus = "full"
)

// CapacitySnapshot is a point-in-time view of admission load. It is never stored.
type CapacitySnapshot struct {
	Current        int            `json:"current"`
	Max            int            `json:"max"`
	Status         CapacityStatus `json:"status"`
	AvailableSlots int            `json:"availableSlots"`
}

// SnapshotCapacity derives the capacity view for current connections.
func SnapshotCapacity(current int, t Thresholds) CapacitySnapshot {
	s := CapacitySnapshot{
		Current:        current,
		Max:            t.Hard,
		Status:         CapacityNormal,
		AvailableSlots: max(t.Hard-current, 0),
	}
	switch Evaluate(current, t).Kind {
	case AcceptWithWarning:
		s.Status = CapacityHigh
	case Reject:
		s.Status = CapacityFull
	}
	return s
}
