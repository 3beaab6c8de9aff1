// Package rowlock serializes work on a single row.
//
// Waiters are served in arrival order. A lease expires after the TTL so a
// wedged holder cannot block its row forever; once expired, that holder's
// release func does nothing.
package rowlock

import (
	"context"
	"sync"
	"time"
)

type Locker struct {
	ttl time.Duration

	mu   sync.Mutex
	rows map[string]*row
	seq  uint64
}

type row struct {
	holder  uint64
	timer   *time.Timer
	waiters []*waiter
}

type waiter struct {
	token uint64
	ready chan struct{}
}

func New(ttl time.Duration) *Locker {
	return &Locker{ttl: ttl, rows: map[string]*row{}}
}

// Acquire blocks until the caller holds key or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	l.seq++
	token := l.seq
	r, busy := l.rows[key]
	if !busy {
		r = &row{}
		l.rows[key] = r
		l.grant(key, r, token)
		l.mu.Unlock()
		return l.releaser(key, token), nil
	}
	w := &waiter{token: token, ready: make(chan struct{})}
	r.waiters = append(r.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return l.releaser(key, token), nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case <-w.ready:
			// handed over while we were giving up; pass it on
			l.next(key, r)
		default:
			r.waiters = removeWaiter(r.waiters, w)
		}
		return nil, ctx.Err()
	}
}

// Held reports whether someone currently holds key.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rows[key]
	return ok
}

func (l *Locker) releaser(key string, token uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			r, ok := l.rows[key]
			if !ok || r.holder != token {
				return
			}
			l.next(key, r)
		})
	}
}

// grant must be called with mu held.
func (l *Locker) grant(key string, r *row, token uint64) {
	r.holder = token
	if l.ttl <= 0 {
		return
	}
	r.timer = time.AfterFunc(l.ttl, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.rows[key]; ok && cur == r && r.holder == token {
			l.next(key, r)
		}
	})
}

// next hands the row to the oldest waiter or frees it. mu must be held.
func (l *Locker) next(key string, r *row) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if len(r.waiters) == 0 {
		delete(l.rows, key)
		return
	}
	w := r.waiters[0]
	r.waiters = r.waiters[1:]
	l.grant(key, r, w.token)
	close(w.ready)
}

func removeWaiter(ws []*waiter, target *waiter) []*waiter {
	out := ws[:0]
	for _, w := range ws {
		if w != target {
			out = append(out, w)
		}
	}
	return out
}
