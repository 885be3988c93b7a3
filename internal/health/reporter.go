package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vovakirdan/socialmap-server/internal/core"
)

// Report status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Persistence status values.
const (
	PersistenceOK          = "ok"
	PersistenceUnreachable = "unreachable"
	PersistenceDisabled    = "disabled"
)

const defaultPingTimeout = time.Second

// CapacitySource provides the current capacity snapshot.
type CapacitySource interface {
	Capacity() core.CapacitySnapshot
}

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Report is the health snapshot served to health checks and load tests.
type Report struct {
	Status        string                `json:"status"`
	Capacity      core.CapacitySnapshot `json:"capacity"`
	Memory        MemoryStats           `json:"memory"`
	UptimeSeconds float64               `json:"uptimeSeconds"`
	Persistence   string                `json:"persistence"`
	Problems      []string              `json:"problems,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Healthy reports whether the process should receive traffic.
func (r Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Reporter builds health reports. It only reads state, so it can be polled
// as often as callers like.
type Reporter struct {
	capacity    CapacitySource
	store       Pinger
	maxRSS      uint64
	maxHeap     uint64
	pingTimeout time.Duration
	sample      Sampler
	started     time.Time
	now         func() time.Time
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithStore enables the persistence reachability check.
func WithStore(p Pinger) Option {
	return func(r *Reporter) { r.store = p }
}

// WithMemoryLimits sets the thresholds above which the process is unhealthy.
// Zero disables a check.
func WithMemoryLimits(maxRSS, maxHeap uint64) Option {
	return func(r *Reporter) {
		r.maxRSS = maxRSS
		r.maxHeap = maxHeap
	}
}

// WithSampler replaces the process memory sampler.
func WithSampler(s Sampler) Option {
	return func(r *Reporter) { r.sample = s }
}

// WithPingTimeout bounds the persistence check.
func WithPingTimeout(d time.Duration) Option {
	return func(r *Reporter) { r.pingTimeout = d }
}

// NewReporter creates a reporter over the given capacity source.
func NewReporter(capacity CapacitySource, opts ...Option) *Reporter {
	r := &Reporter{
		capacity:    capacity,
		pingTimeout: defaultPingTimeout,
		sample:      SampleProcess,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// Uptime returns how long the reporter has been running.
func (r *Reporter) Uptime() time.Duration {
	return r.now().Sub(r.started)
}

// Snapshot computes the current report. A full server is still healthy;
// only memory pressure or an unreachable store are faults.
func (r *Reporter) Snapshot(ctx context.Context) Report {
	rep := Report{
		Status:        StatusHealthy,
		Capacity:      r.capacity.Capacity(),
		Memory:        r.sample(),
		UptimeSeconds: r.Uptime().Seconds(),
		Persistence:   PersistenceDisabled,
		Timestamp:     r.now().UTC(),
	}

	if r.maxRSS > 0 && rep.Memory.RSS > r.maxRSS {
		rep.Problems = append(rep.Problems, fmt.Sprintf("rss %d exceeds %d", rep.Memory.RSS, r.maxRSS))
	}
	if r.maxHeap > 0 && rep.Memory.HeapUsed > r.maxHeap {
		rep.Problems = append(rep.Problems, fmt.Sprintf("heap %d exceeds %d", rep.Memory.HeapUsed, r.maxHeap))
	}

	if r.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, r.pingTimeout)
		err := r.store.Ping(pingCtx)
		cancel()
		if err != nil {
			rep.Persistence = PersistenceUnreachable
			rep.Problems = append(rep.Problems, "persistence: "+err.Error())
		} else {
			rep.Persistence = PersistenceOK
		}
	}

	if len(rep.Problems) > 0 {
		rep.Status = StatusUnhealthy
	}
	return rep
}
