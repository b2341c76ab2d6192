package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the position of a Breaker.
type State int

const (
	// Closed passes every call and counts outcomes.
	Closed State = iota
	// Open refuses calls until the cool-off expires.
	Open
	// HalfOpen lets one trial call through to test the upstream.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) gauge() float64 {
	switch s {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	default:
		return -1
	}
}

// window counts call outcomes since the breaker last changed state.
type window struct {
	ok, failed int
}

func (w window) total() int { return w.ok + w.failed }

func (w window) ratio() float64 {
	if w.total() == 0 {
		return 0
	}
	return float64(w.failed) / float64(w.total())
}

// decay halves both counters, rounding up, so old outcomes fade out.
func (w *window) decay() {
	w.ok = (w.ok + 1) / 2
	w.failed = (w.failed + 1) / 2
}

// Status is a point-in-time view of a Breaker for readiness checks and logs.
type Status struct {
	Target   string
	State    State
	Failed   int
	Requests int
	OpenedAt time.Time
	RetryAt  time.Time
}

// Err describes an open circuit, or returns nil.
func (s Status) Err() error {
	if s.State != Open {
		return nil
	}
	wait := time.Until(s.RetryAt).Round(time.Second)
	if wait < 0 {
		wait = 0
	}
	return fmt.Errorf("%s circuit open, next trial in %s: %w", s.Target, wait, ErrOpenCircuit)
}

// Breaker trips when the share of failed calls to an upstream reaches
// failureRatio over at least minRequests calls. A nil Breaker allows everything.
type Breaker struct {
	mu           sync.Mutex
	state        State
	counts       window
	minRequests  int
	failureRatio float64
	coolOff      time.Duration
	openedAt     time.Time
	trialOut     bool
	target       string
	logger       zerolog.Logger
}

// NewBreaker builds a closed breaker. Out-of-range arguments fall back to one
// request, a 50% failure ratio and a 30s cool-off.
func NewBreaker(minRequests int, failureRatio float64, coolOff time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	switch {
	case failureRatio <= 0:
		failureRatio = 0.5
	case failureRatio > 1:
		failureRatio = 1
	}
	if coolOff <= 0 {
		coolOff = 30 * time.Second
	}
	return &Breaker{
		minRequests:  minRequests,
		failureRatio: failureRatio,
		coolOff:      coolOff,
		target:       "default",
		logger:       zerolog.Nop(),
	}
}

// WithTarget names the upstream, e.g. "localline", for metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := strings.TrimSpace(target); t != "" {
		b.target = t
	}
	b.publishLocked()
	return b
}

// WithLogger sets the logger used for state changes.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// Allow reports whether a call may go out. Once the cool-off has passed an
// open breaker turns half-open and hands out a single trial call; further
// calls are refused until that trial is reported.
func (b *Breaker) Allow(ctx context.Context) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) < b.coolOff {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
	}
	if b.trialOut {
		return false
	}
	b.trialOut = true
	return true
}

// Report records the outcome of a call that Allow let through.
func (b *Breaker) Report(ctx context.Context, success bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		// late reports from calls started before the trip
		return
	case HalfOpen:
		b.trialOut = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	if success {
		b.counts.ok++
	} else {
		b.counts.failed++
	}
	if b.counts.total() < b.minRequests {
		return
	}
	if b.counts.ratio() >= b.failureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	if b.counts.total() > 2*b.minRequests {
		b.counts.decay()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current status.
func (b *Breaker) Snapshot() Status {
	if b == nil {
		return Status{Target: "default", State: Closed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		Target:   b.target,
		State:    b.state,
		Failed:   b.counts.failed,
		Requests: b.counts.total(),
		OpenedAt: b.openedAt,
	}
	if b.state == Open {
		s.RetryAt = b.openedAt.Add(b.coolOff)
	}
	return s
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.publishLocked()
		return
	}
	seen := b.counts
	b.state = next
	b.counts = window{}
	switch next {
	case Open:
		b.openedAt = time.Now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishLocked()

	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(b.target, prev.String(), next.String()).Inc()
	}
	if next == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(b.target).Inc()
	}
	b.logTransition(ctx, prev, next, seen)
}

func (b *Breaker) publishLocked() {
	if BreakerState != nil {
		BreakerState.WithLabelValues(b.target).Set(b.state.gauge())
	}
}

func (b *Breaker) logTransition(ctx context.Context, from, to State, seen window) {
	logger := b.logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Info()
	msg := b.target + " circuit " + to.String()
	switch {
	case to == Open && from == HalfOpen:
		evt = logger.Warn()
		msg = b.target + " circuit reopened after failed trial call"
	case to == Open:
		evt = logger.Warn().Int("failed", seen.failed).Int("requests", seen.total())
		msg = b.target + " circuit opened"
	case to == HalfOpen:
		msg = b.target + " circuit half-open, sending trial call"
	case to == Closed:
		msg = b.target + " circuit closed, upstream recovered"
	}
	evt = evt.Str("target", b.target).Str("from_state", from.String()).Str("to_state", to.String())
	if to == Open {
		evt = evt.Dur("cool_off", b.coolOff)
	}
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg(msg)
}
