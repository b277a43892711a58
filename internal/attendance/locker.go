package attendance

import (
	"context"
	"sync"
	"time"

	"eventgate/internal/metrics"
)

// Locker hands out one exclusive critical section per event id. Different
// ids never contend. Acquisition gives up after timeout.
type Locker struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocker creates a locker whose Lock calls wait at most timeout.
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Locker{slots: make(map[string]*slot), timeout: timeout}
}

// Lock acquires the critical section for key. The returned func releases it
// and must be called exactly once. A timeout or cancelled context yields a
// transient error.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	started := time.Now()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		metrics.LockWait.Observe(time.Since(started).Seconds())
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-timer.C:
		l.release(key, s)
		return nil, &Error{Code: CodeTransient, Message: "event is busy, retry", cause: context.DeadlineExceeded}
	case <-ctx.Done():
		l.release(key, s)
		return nil, &Error{Code: CodeTransient, Message: "lock wait cancelled", cause: ctx.Err()}
	}
}

func (l *Locker) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
