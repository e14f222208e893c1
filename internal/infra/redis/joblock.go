package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultJobLockTTL = 30 * time.Minute
	jobLockKeyPrefix  = "settlement:joblock"
	releaseTimeout    = 5 * time.Second
)

// JobLock gives one scheduler instance at a time the right to run a job.
// A held lock is refreshed every half TTL until it is released, so the TTL
// only bounds how long a crashed holder keeps the job blocked.
type JobLock struct {
	locker *redislock.Client
	ttl    time.Duration
}

func NewJobLock(client *goredis.Client, ttl time.Duration) (*JobLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultJobLockTTL
	}

	return &JobLock{
		locker: redislock.New(client),
		ttl:    ttl,
	}, nil
}

// TryLock obtains the lock for job without waiting. ok is false when
// another holder has it. release is nil unless ok.
func (l *JobLock) TryLock(ctx context.Context, job string) (release func(), ok bool, err error) {
	job = strings.TrimSpace(job)
	if job == "" {
		return nil, false, fmt.Errorf("job name is required")
	}

	lock, err := l.locker.Obtain(ctx, jobLockKey(job), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to obtain job lock: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(lock, stop)
	}()

	var once sync.Once
	release = func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = lock.Release(releaseCtx)
		})
	}
	return release, true, nil
}

// keepAlive extends lock until stop is closed or the lock is lost.
func (l *JobLock) keepAlive(lock *redislock.Lock, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			err := lock.Refresh(refreshCtx, l.ttl, nil)
			cancel()
			if errors.Is(err, redislock.ErrNotObtained) {
				return
			}
		}
	}
}

func jobLockKey(job string) string {
	return jobLockKeyPrefix + ":" + job
}
