package session

import "sync/atomic"

// latch admits one holder at a time; contenders are turned away rather than
// queued.
type latch struct {
	held atomic.Bool
}

func (l *latch) tryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

func (l *latch) release() {
	l.held.Store(false)
}

func (l *latch) busy() bool {
	return l.held.Load()
}
