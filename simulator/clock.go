package simulator

import (
	"sync/atomic"
	"time"
)

// stopwatch measures simulation time in milliseconds since Start. It
// reads zero while stopped.
type stopwatch struct {
	started atomic.Int64 // unix nanos, 0 when stopped
}

func (w *stopwatch) start() {
	w.started.CompareAndSwap(0, time.Now().UnixNano())
}

func (w *stopwatch) stop() {
	w.started.Store(0)
}

func (w *stopwatch) millis() uint64 {
	t := w.started.Load()
	if t == 0 {
		return 0
	}
	return uint64(time.Since(time.Unix(0, t)).Milliseconds())
}
