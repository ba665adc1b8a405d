// Package lock provides per-campaign mutual exclusion.
//
// Local serves a single process. Redis extends the guarantee across several
// engine instances sharing one record store.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotAcquired = errors.New("lock: not acquired")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
	// Extend pushes the expiry out by ttl. Local leases never expire.
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out non-blocking exclusive leases per key.
type Locker interface {
	TryLock(ctx context.Context, key string) (Lease, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local { return &Local{held: map[string]struct{}{}} }

func (l *Local) TryLock(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrNotAcquired
	}
	l.held[key] = struct{}{}
	return &localLease{l: l, key: key}, nil
}

type localLease struct {
	l    *Local
	key  string
	once sync.Once
}

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		ll.l.mu.Lock()
		delete(ll.l.held, ll.key)
		ll.l.mu.Unlock()
	})
	return nil
}

func (ll *localLease) Extend(context.Context, time.Duration) error { return nil }

// Chain acquires every locker in order and releases them in reverse.
// A nil entry is skipped.
type Chain []Locker

func (c Chain) TryLock(ctx context.Context, key string) (Lease, error) {
	var got chainLease
	for _, l := range c {
		if l == nil {
			continue
		}
		lease, err := l.TryLock(ctx, key)
		if err != nil {
			_ = got.Release(ctx)
			return nil, err
		}
		got = append(got, lease)
	}
	return got, nil
}

type chainLease []Lease

func (c chainLease) Release(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c chainLease) Extend(ctx context.Context, ttl time.Duration) error {
	var errs []error
	for _, l := range c {
		if err := l.Extend(ctx, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keyed is a blocking mutex per key. Entries are dropped when unused.
type Keyed struct {
	mu sync.Mutex
	m  map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed { return &Keyed{m: map[string]*keyedEntry{}} }

// Lock blocks until key is free and returns the unlock func.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e := k.m[key]
	if e == nil {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
