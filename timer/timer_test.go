package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealTimerFires(t *testing.T) {
	timer := NewRealTimer()
	timer.Start(20 * time.Millisecond)

	select {
	case <-timer.C():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timer did not fire")
	}
}

func TestRealTimerStop(t *testing.T) {
	timer := NewRealTimer()
	timer.Start(50 * time.Millisecond)
	timer.Stop()

	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRealTimerRestartReplacesDeadline(t *testing.T) {
	timer := NewRealTimer()
	timer.Start(time.Second)
	timer.Start(20 * time.Millisecond)

	start := time.Now()
	select {
	case <-timer.C():
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("restarted timer did not fire")
	}
}

func TestRealTimerRestartDiscardsPendingExpiry(t *testing.T) {
	timer := NewRealTimer()
	timer.Start(time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	timer.Start(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("expiry from the previous start was delivered")
	case <-time.After(50 * time.Millisecond):
	}
	timer.Stop()
}

func TestRealTimerConcurrency(t *testing.T) {
	timer := NewRealTimer()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				timer.Start(time.Duration(10+i%20) * time.Millisecond)
			} else {
				timer.Stop()
			}
		}(i)
	}
	wg.Wait()
	timer.Stop()
}

func TestMockTimer(t *testing.T) {
	timer := NewMockTimer()
	assert.False(t, timer.Fire(), "unarmed timer must not fire")

	timer.Start(3 * time.Second)
	assert.True(t, timer.IsRunning())
	assert.Equal(t, 3*time.Second, timer.Duration())
	assert.Equal(t, 1, timer.Starts())

	require.True(t, timer.Fire())
	select {
	case <-timer.C():
	default:
		t.Fatal("fired timer delivered nothing")
	}
	assert.False(t, timer.IsRunning())

	timer.Start(time.Second)
	timer.Stop()
	assert.False(t, timer.Fire())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Base:   10 * time.Millisecond,
		Max:    40 * time.Millisecond,
		Factor: 2,
	})

	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := BackoffConfig{Base: 100 * time.Millisecond, Max: time.Second, Factor: 1, Jitter: 0.5}
	b := NewBackoff(cfg)
	for i := 0; i < 50; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	b := NewBackoff(BackoffConfig{Base: time.Hour, Max: time.Hour, Factor: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
