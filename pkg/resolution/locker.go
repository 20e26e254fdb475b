package resolution

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Locker serializes resolutions that share a normalized key
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// LocalLocker is an in-process Locker keyed by string
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &keyLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

type heldKey struct{}

// WithLocks acquires every key, in sorted order, before running fn. Keys already
// held by an enclosing WithLocks on ctx are skipped. A nil locker runs fn directly.
func WithLocks(ctx context.Context, locker Locker, keys []string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if locker == nil || len(keys) == 0 {
		return fn(ctx)
	}

	held, _ := ctx.Value(heldKey{}).(map[string]struct{})
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := held[k]; !ok && k != "" {
			sorted = append(sorted, k)
		}
	}
	if len(sorted) == 0 {
		return fn(ctx)
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	next := make(map[string]struct{}, len(held)+len(sorted))
	for k := range held {
		next[k] = struct{}{}
	}
	for _, k := range sorted {
		next[k] = struct{}{}
	}
	return withLocks(context.WithValue(ctx, heldKey{}, next), locker, sorted, ttl, fn)
}

func withLocks(ctx context.Context, locker Locker, keys []string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	return locker.WithLock(ctx, keys[0], ttl, func(ctx context.Context) error {
		return withLocks(ctx, locker, keys[1:], ttl, fn)
	})
}
