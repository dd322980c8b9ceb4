// Package keylock provides per-key mutual exclusion without blocking unrelated keys.
package keylock

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Locker hands out one exclusivity token per key. Entries are created on demand and
// dropped once no holder or waiter references them.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	token chan struct{}
	refs  int
}

func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock blocks until the key is free or ctx is done. The returned func releases the key
// and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil {
		return nil, errors.New("nil locker")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("missing lock key")
	}

	e := l.acquireEntry(key)
	select {
	case e.token <- struct{}{}:
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.token
			l.releaseEntry(key, e)
		})
	}, nil
}

func (l *Locker) acquireEntry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[string]*entry)
	}
	e := l.entries[key]
	if e == nil {
		e = &entry{token: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) releaseEntry(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs <= 0 && l.entries[key] == e {
		delete(l.entries, key)
	}
}

// Len reports the number of keys currently held or awaited.
func (l *Locker) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
