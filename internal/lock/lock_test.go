package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalTryLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLocal()
	lease, err := l.TryLock(ctx, "c1")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := l.TryLock(ctx, "c1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second lock err = %v", err)
	}
	if _, err := l.TryLock(ctx, "c2"); err != nil {
		t.Fatalf("other key should be free: %v", err)
	}
	_ = lease.Release(ctx)
	_ = lease.Release(ctx)
	if _, err := l.TryLock(ctx, "c1"); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLeaseExclusiveAcrossInstances(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	a := NewRedis(client, "", time.Minute)
	b := NewRedis(client, "", time.Minute)

	lease, err := a.TryLock(ctx, "c1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := b.TryLock(ctx, "c1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second instance err = %v", err)
	}
	if ttl := mr.TTL("pewcast:lock:c1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}
	if err := lease.Extend(ctx, 5*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ttl := mr.TTL("pewcast:lock:c1"); ttl <= time.Minute {
		t.Fatalf("ttl after extend = %s", ttl)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := b.TryLock(ctx, "c1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRedisLeaseExpires(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	r := NewRedis(client, "", time.Second)
	stale, err := r.TryLock(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)
	fresh, err := r.TryLock(ctx, "c1")
	if err != nil {
		t.Fatalf("lock should be free after ttl: %v", err)
	}
	// The stale owner must not drop the new lease.
	_ = stale.Release(ctx)
	if !mr.Exists("pewcast:lock:c1") {
		t.Fatal("stale release removed a lease it no longer owns")
	}
	if err := stale.Extend(ctx, time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("stale extend err = %v", err)
	}
	_ = fresh.Release(ctx)
}

func TestChainReleasesOnPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	first, second := NewLocal(), NewLocal()
	held, _ := second.TryLock(ctx, "c1")
	if _, err := (Chain{first, nil, second}).TryLock(ctx, "c1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("chain err = %v", err)
	}
	if _, err := first.TryLock(ctx, "c1"); err != nil {
		t.Fatalf("first locker should have been released: %v", err)
	}
	_ = held.Release(ctx)
}

func TestKeyedSerializes(t *testing.T) {
	t.Parallel()
	k := NewKeyed()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("c1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d", counter)
	}
	k.mu.Lock()
	n := len(k.m)
	k.mu.Unlock()
	if n != 0 {
		t.Fatalf("entries leaked: %d", n)
	}
}
