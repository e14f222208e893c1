package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestJobLockExclusive(t *testing.T) {
	t.Parallel()

	rdb := newTestRedisClient(t)
	first, err := NewJobLock(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewJobLock() error = %v", err)
	}
	second, err := NewJobLock(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewJobLock() error = %v", err)
	}

	ctx := context.Background()
	release, ok, err := first.TryLock(ctx, "deadline-enforcement")
	if err != nil || !ok {
		t.Fatalf("TryLock() = (%v, %v), want acquired", ok, err)
	}

	_, ok, err = second.TryLock(ctx, "deadline-enforcement")
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if ok {
		t.Fatal("second instance must not obtain a held lock")
	}

	otherRelease, ok, err := second.TryLock(ctx, "monthly-payments")
	if err != nil || !ok {
		t.Fatalf("TryLock(other job) = (%v, %v), want acquired", ok, err)
	}
	otherRelease()

	release()

	againRelease, ok, err := second.TryLock(ctx, "deadline-enforcement")
	if err != nil || !ok {
		t.Fatalf("TryLock() after release = (%v, %v), want acquired", ok, err)
	}
	againRelease()
}

func TestJobLockRequiresName(t *testing.T) {
	t.Parallel()

	lock, err := NewJobLock(newTestRedisClient(t), 0)
	if err != nil {
		t.Fatalf("NewJobLock() error = %v", err)
	}
	if _, _, err := lock.TryLock(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty job name")
	}
}

func TestJobLockRefreshedWhileHeld(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	const ttl = 200 * time.Millisecond
	lock, err := NewJobLock(rdb, ttl)
	if err != nil {
		t.Fatalf("NewJobLock() error = %v", err)
	}
	release, ok, err := lock.TryLock(context.Background(), "monthly-payments")
	if err != nil || !ok {
		t.Fatalf("TryLock() = (%v, %v), want acquired", ok, err)
	}

	key := jobLockKey("monthly-payments")
	mr.FastForward(150 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for mr.TTL(key) <= 100*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("lock ttl = %v, want refreshed", mr.TTL(key))
		}
		time.Sleep(10 * time.Millisecond)
	}

	mr.FastForward(150 * time.Millisecond)
	if !mr.Exists(key) {
		t.Fatal("held lock expired past its original ttl")
	}

	release()
	release()
	if mr.Exists(key) {
		t.Fatal("lock still present after release")
	}

	again, ok, err := lock.TryLock(context.Background(), "monthly-payments")
	if err != nil || !ok {
		t.Fatalf("TryLock() after release = (%v, %v), want acquired", ok, err)
	}
	again()
}
