package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/vovakirdan/socialmap-server/internal/metrics"
)

// ResilientConfig configures retries and the circuit breaker around a store.
type ResilientConfig struct {
	// Name identifies the circuit breaker in logs.
	Name string
	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// MaxAttempts is the total number of tries per operation.
	MaxAttempts int
	// Backoff is multiplied by the attempt number between tries.
	Backoff time.Duration
	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
}

// Resilient decorates an ActivityStore with bounded retries and a circuit breaker.
// Failures that survive both are reported as ErrUnavailable.
type Resilient struct {
	inner   ActivityStore
	cfg     ResilientConfig
	breaker *gobreaker.CircuitBreaker[any]
	log     *zerolog.Logger
}

var _ ActivityStore = (*Resilient)(nil)

// NewResilient wraps inner.
func NewResilient(inner ActivityStore, cfg ResilientConfig, logger *zerolog.Logger) *Resilient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.Name == "" {
		cfg.Name = "activity-store"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	r := &Resilient{inner: inner, cfg: cfg, log: logger}
	r.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("persistence circuit breaker state changed")
		},
	})
	return r
}

// State reports the circuit breaker state.
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}

func call[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	defer func() {
		metrics.PersistenceDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && r.cfg.Backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt-1) * r.cfg.Backoff):
			}
		}

		res, err := r.breaker.Execute(func() (any, error) {
			attemptCtx := ctx
			if r.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
				defer cancel()
			}
			return fn(attemptCtx)
		})
		if err == nil {
			v, _ := res.(T)
			return v, nil
		}
		if IsPermanent(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		r.log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("activity store call failed")
	}

	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	return zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, lastErr)
}

// GetActivity implements ActivityStore.
func (r *Resilient) GetActivity(ctx context.Context, id string) (*Activity, error) {
	return call(ctx, r, "get_activity", func(ctx context.Context) (*Activity, error) {
		return r.inner.GetActivity(ctx, id)
	})
}

// JoinActivity implements ActivityStore.
func (r *Resilient) JoinActivity(ctx context.Context, activityID string, p Participant, historyLimit int) (*JoinSnapshot, error) {
	return call(ctx, r, "join_activity", func(ctx context.Context) (*JoinSnapshot, error) {
		return r.inner.JoinActivity(ctx, activityID, p, historyLimit)
	})
}

// SetPresence implements ActivityStore.
func (r *Resilient) SetPresence(ctx context.Context, activityID, participantID string, connected bool) error {
	_, err := call(ctx, r, "set_presence", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.SetPresence(ctx, activityID, participantID, connected)
	})
	return err
}

// ListParticipants implements ActivityStore.
func (r *Resilient) ListParticipants(ctx context.Context, activityID string) ([]Participant, error) {
	return call(ctx, r, "list_participants", func(ctx context.Context) ([]Participant, error) {
		return r.inner.ListParticipants(ctx, activityID)
	})
}

// AppendEvent implements ActivityStore.
func (r *Resilient) AppendEvent(ctx context.Context, ev Event) (*Event, error) {
	return call(ctx, r, "append_event", func(ctx context.Context) (*Event, error) {
		return r.inner.AppendEvent(ctx, ev)
	})
}

// ListEvents implements ActivityStore.
func (r *Resilient) ListEvents(ctx context.Context, activityID string, limit int) ([]Event, error) {
	return call(ctx, r, "list_events", func(ctx context.Context) ([]Event, error) {
		return r.inner.ListEvents(ctx, activityID, limit)
	})
}

// Ping reports ErrUnavailable while the breaker is open, otherwise pings the inner store.
func (r *Resilient) Ping(ctx context.Context) error {
	if r.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	return r.inner.Ping(ctx)
}

// Close implements ActivityStore.
func (r *Resilient) Close() error {
	return r.inner.Close()
}
