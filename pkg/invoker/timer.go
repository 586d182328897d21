package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimerConfig configures a Timer.
type TimerConfig struct {
	// Reference is the script run on every tick. An empty reference leaves
	// the timer idle until one is set.
	Reference string

	// Period between ticks. Defaults to 1s.
	Period time.Duration

	// Payload passed to every run.
	Payload any

	Logger zerolog.Logger
}

// TimerStatus describes the timer.
type TimerStatus struct {
	Reference  string        `json:"reference"`
	Period     time.Duration `json:"period"`
	Runs       int64         `json:"runs"`
	Failures   int64         `json:"failures"`
	LastRun    time.Time     `json:"last_run,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	LastResult any           `json:"last_result,omitempty"`
}

// Timer runs one script periodically. Every tick rebinds the reference and
// fetches the current content, so edits to the script or its binding take
// effect on the next tick without touching the content cache.
type Timer struct {
	invoker *Invoker
	logger  zerolog.Logger

	mu      sync.Mutex
	status  TimerStatus
	payload any
	reset   chan struct{}
}

// NewTimer creates a timer that runs scripts through inv.
func (i *Invoker) NewTimer(cfg TimerConfig) *Timer {
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	return &Timer{
		invoker: i,
		logger:  cfg.Logger.With().Str("component", "timer").Logger(),
		payload: cfg.Payload,
		status:  TimerStatus{Reference: cfg.Reference, Period: cfg.Period},
		reset:   make(chan struct{}, 1),
	}
}

// Reference returns the script the timer runs.
func (t *Timer) Reference() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Reference
}

// SetReference changes the script the timer runs. An empty reference
// pauses the timer.
func (t *Timer) SetReference(reference string) {
	t.mu.Lock()
	t.status.Reference = reference
	t.mu.Unlock()
	t.logger.Info().Str("reference", reference).Msg("timer script set")
}

// Period returns the tick period.
func (t *Timer) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Period
}

// SetPeriod changes the tick period. A running timer picks it up
// immediately.
func (t *Timer) SetPeriod(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timer period must be positive, got %s", d)
	}
	t.mu.Lock()
	t.status.Period = d
	t.mu.Unlock()

	select {
	case t.reset <- struct{}{}:
	default:
	}
	t.logger.Info().Dur("period", d).Msg("timer period set")
	return nil
}

// SetPayload changes the payload passed to every run.
func (t *Timer) SetPayload(payload any) {
	t.mu.Lock()
	t.payload = payload
	t.mu.Unlock()
}

// Status returns a snapshot of the timer state.
func (t *Timer) Status() TimerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Tick runs the timer script once.
func (t *Timer) Tick(ctx context.Context) (any, error) {
	t.mu.Lock()
	reference, payload := t.status.Reference, t.payload
	t.mu.Unlock()
	if reference == "" {
		return nil, nil
	}

	result, err := t.run(ctx, reference, payload)

	t.mu.Lock()
	t.status.Runs++
	t.status.LastRun = time.Now()
	t.status.LastResult = result
	t.status.LastError = ""
	if err != nil {
		t.status.Failures++
		t.status.LastError = err.Error()
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn().Err(err).Str("reference", reference).Msg("timer run failed")
	}
	return result, err
}

func (t *Timer) run(ctx context.Context, reference string, payload any) (any, error) {
	pipeline := t.invoker.pipeline

	res, err := pipeline.Bind(ctx, Normalize(reference))
	if err != nil {
		return nil, err
	}
	source, err := pipeline.Fetch(ctx, res.Location)
	if err != nil {
		return nil, err
	}
	return t.invoker.Run(ctx, res.Name(), source, payload, CallerTimer)
}

// Run ticks until ctx ends.
func (t *Timer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.Period())
	defer ticker.Stop()

	t.logger.Info().Dur("period", t.Period()).Msg("timer started")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("timer stopped")
			return ctx.Err()
		case <-t.reset:
			ticker.Reset(t.Period())
		case <-ticker.C:
			_, _ = t.Tick(ctx)
		}
	}
}
