package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/curtisnewbie/misobus/miso"
	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/curtisnewbie/misobus/verify"
	"github.com/go-redis/redis"
)

const (
	defaultBackoffSteps = 6_000 // default backoff steps, 6_000 (5ms) = 30s
)

var (
	_ verify.Locker = (*VerificationLock)(nil)

	lockLeaseTime   = time.Duration(30_000) * time.Millisecond
	lockRefreshTime = time.Duration(10_000) * time.Millisecond
)

// Check whether the error is 'redislock.ErrNotObtained'
func IsRLockNotObtainedErr(err error) bool {
	return errors.Is(err, redislock.ErrNotObtained)
}

type LockOption func(l *VerificationLock)

// Max time waiting for the lock.
//
// Linear back off strategy is used with a window size of 5ms, the duration is divided by 5ms to get the number of attempts.
func WithBackoffDuration(d time.Duration) LockOption {
	return func(l *VerificationLock) {
		if d > l.backoffWindow {
			l.backoffSteps = int(int64(d) / int64(l.backoffWindow))
		}
	}
}

// Redis lock held during each verification pass, implements verify.Locker.
//
// The lease is refreshed in background until Unlock is called.
type VerificationLock struct {
	locker        *redislock.Client
	key           string
	backoffWindow time.Duration
	backoffSteps  int

	mu              sync.Mutex
	lock            *redislock.Lock
	cancelRefresher func()
}

func NewVerificationLock(client *redis.Client, key string, opts ...LockOption) *VerificationLock {
	l := &VerificationLock{
		locker:        redislock.New(client),
		key:           key,
		backoffWindow: 5 * time.Millisecond,
		backoffSteps:  defaultBackoffSteps,
	}
	for _, op := range opts {
		op(l)
	}
	return l
}

func (l *VerificationLock) Key() string {
	return l.key
}

// Acquire lock, returns error wrapping 'redislock.ErrNotObtained' when it times out.
func (l *VerificationLock) Lock(rail miso.Rail) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock != nil {
		return errs.ErrIllegalArgument.WithInternalMsg("lock '%v' is already held", l.key)
	}

	lock, err := l.locker.Obtain(l.key, lockLeaseTime, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoffWindow), l.backoffSteps),
	})
	if err != nil {
		return errs.WrapErrf(err, "failed to obtain lock, key: %v", l.key)
	}
	l.lock = lock
	rail.Debugf("Obtained lock for key '%s'", l.key)

	srcSpan := rail.SpanId()
	refreshCtx, cancel := context.WithCancel(context.Background())
	l.cancelRefresher = cancel

	go func(rail miso.Rail) {
		ticker := time.NewTicker(lockRefreshTime)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := lock.Refresh(lockLeaseTime, nil); err != nil {
					if errors.Is(err, redislock.ErrNotObtained) {
						rail.Warnf("Lost lock for '%v'", l.key)
						return
					}
					rail.Warnf("Failed to refresh lock for '%v', %v", l.key, err)
				} else {
					rail.Debugf("Refreshed lock for '%v', source span_id: %v", l.key, srcSpan)
				}
			case <-refreshCtx.Done():
				rail.Debugf("Lock refresher cancelled for '%v'", l.key)
				return
			}
		}
	}(rail.NextSpan())

	return nil
}

// Release lock, ignored if the lock is not held.
func (l *VerificationLock) Unlock(rail miso.Rail) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil {
		return nil
	}

	if l.cancelRefresher != nil {
		l.cancelRefresher()
		l.cancelRefresher = nil
	}
	err := l.lock.Release()
	l.lock = nil
	if err != nil {
		rail.Errorf("Failed to release lock for key '%s', err: %v", l.key, err)
		return errs.WrapErrf(err, "failed to release lock, key: %v", l.key)
	}
	rail.Debugf("Released lock for key '%s'", l.key)
	return nil
}
