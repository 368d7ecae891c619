// Package timer provides the clocks used by the liveness monitor and the
// orchestrator's retry loop.
//
// RealTimer fires on wall-clock time, MockTimer fires only when a test says
// so, and Backoff computes randomized exponential retry delays.
package timer

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Timer is a restartable one-shot timer. All implementations must be safe
// for concurrent use.
type Timer interface {
	// Start arms the timer to fire once after d. A pending expiry is discarded.
	Start(d time.Duration)

	// Stop disarms the timer and discards a pending expiry.
	Stop()

	// C delivers one value per expiry.
	C() <-chan struct{}
}

// RealTimer implements Timer on top of time.AfterFunc.
type RealTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	ch    chan struct{}
}

// NewRealTimer creates a stopped RealTimer.
func NewRealTimer() *RealTimer {
	return &RealTimer{ch: make(chan struct{}, 1)}
}

// Start arms the timer.
func (t *RealTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarm()
	t.timer = time.AfterFunc(d, func() {
		select {
		case t.ch <- struct{}{}:
		default:
		}
	})
}

// Stop disarms the timer.
func (t *RealTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarm()
}

func (t *RealTimer) disarm() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	select {
	case <-t.ch:
	default:
	}
}

// C returns the expiry channel.
func (t *RealTimer) C() <-chan struct{} {
	return t.ch
}

// MockTimer implements Timer for tests. It records the requested duration
// and fires only on Fire.
type MockTimer struct {
	mu       sync.Mutex
	ch       chan struct{}
	duration time.Duration
	running  bool
	starts   int
}

// NewMockTimer creates a stopped MockTimer.
func NewMockTimer() *MockTimer {
	return &MockTimer{ch: make(chan struct{}, 1)}
}

// Start arms the timer without scheduling anything.
func (t *MockTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.duration = d
	t.running = true
	t.starts++
	select {
	case <-t.ch:
	default:
	}
}

// Stop disarms the timer.
func (t *MockTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = false
	select {
	case <-t.ch:
	default:
	}
}

// C returns the expiry channel.
func (t *MockTimer) C() <-chan struct{} {
	return t.ch
}

// Fire delivers an expiry if the timer is armed. It reports whether it did.
// A fired timer is disarmed until the next Start.
func (t *MockTimer) Fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return false
	}
	t.running = false
	select {
	case t.ch <- struct{}{}:
	default:
	}
	return true
}

// IsRunning reports whether the timer is armed.
func (t *MockTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Duration returns the duration passed to the last Start.
func (t *MockTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Starts returns how many times Start was called.
func (t *MockTimer) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

// BackoffConfig configures Backoff.
type BackoffConfig struct {
	// Base is the first delay.
	Base time.Duration

	// Max caps every delay.
	Max time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// Jitter adds up to this fraction of the delay at random, so that
	// clients retrying together spread out.
	Jitter float64
}

// DefaultBackoffConfig returns the retry schedule used by the orchestrator.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:   20 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: 0.5,
	}
}

// Backoff produces growing, randomized delays. It is not safe for
// concurrent use; each retry loop owns one.
type Backoff struct {
	config  BackoffConfig
	current time.Duration
	rng     *rand.Rand
}

// NewBackoff creates a Backoff starting at config.Base.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Factor < 1 {
		config.Factor = 1
	}
	if config.Max < config.Base {
		config.Max = config.Base
	}
	return &Backoff{
		config:  config,
		current: config.Base,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and grows the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.current
	if b.config.Jitter > 0 && d > 0 {
		d += time.Duration(b.rng.Int63n(int64(float64(d)*b.config.Jitter) + 1))
	}
	if d > b.config.Max {
		d = b.config.Max
	}

	grown := time.Duration(float64(b.current) * b.config.Factor)
	if grown > b.config.Max {
		grown = b.config.Max
	}
	b.current = grown
	return d
}

// Reset returns the schedule to config.Base.
func (b *Backoff) Reset() {
	b.current = b.config.Base
}

// Wait sleeps for Next() or until ctx is done, whichever comes first.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
