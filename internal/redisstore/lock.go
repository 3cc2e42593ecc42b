package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it.
// A plain GET/DEL pair would race with TTL expiry and another acquirer.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// LockService provides fenced per-job distributed locks. The owner is the
// dispatcher instance identity; locks expire unconditionally at TTL with no
// extension logic, so a crashed dispatcher releases by expiry.
type LockService struct {
	client *Client
}

// NewLockService creates a lock service on top of the scheduler Redis client
func NewLockService(client *Client) *LockService {
	return &LockService{client: client}
}

// TryAcquireLock attempts a single atomic SET-if-not-exists with expiry.
// Returns false when another owner holds the lock.
func (s *LockService) TryAcquireLock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.client.breaker.Do(func() error {
		var err error
		acquired, err = s.client.rdb.SetNX(ctx, s.client.lockKey(jobID), owner, ttl).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for job %s: %w", jobID, err)
	}
	return acquired, nil
}

// ReleaseLock releases the lock only if the current holder matches owner.
// Safe to call after crash or expiry; releasing a lock held by someone else
// is a no-op.
func (s *LockService) ReleaseLock(ctx context.Context, jobID, owner string) error {
	return s.client.breaker.Do(func() error {
		return s.client.rdb.Eval(ctx, releaseScript, []string{s.client.lockKey(jobID)}, owner).Err()
	})
}

// GetLockOwner returns the current lock holder, or "" when unlocked.
// Diagnostic only.
func (s *LockService) GetLockOwner(ctx context.Context, jobID string) (string, error) {
	var owner string
	err := s.client.breaker.Do(func() error {
		var err error
		owner, err = s.client.rdb.Get(ctx, s.client.lockKey(jobID)).Result()
		if err == redis.Nil {
			owner = ""
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to read lock owner for job %s: %w", jobID, err)
	}
	return owner, nil
}
