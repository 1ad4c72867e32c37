package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lease expired and another
// holder took the key.
var ErrNotHeld = errors.New("lock not held by this lease")

// releaseScript deletes the key only while it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Locker hands out short Redis leases keyed by name. Leases expire on their
// own after ttl so a crashed holder cannot wedge the key.
type Locker struct {
	client       redis.Cmdable
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
	newToken     func() string
}

func NewLocker(client redis.Cmdable, prefix string, ttl time.Duration) *Locker {
	return &Locker{
		client:       client,
		prefix:       prefix,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
		newToken:     uuid.NewString,
	}
}

// Lease is one acquisition of a key.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// TryLock attempts a single acquisition.
func (l *Locker) TryLock(ctx context.Context, name string) (*Lease, bool, error) {
	lease := &Lease{locker: l, key: l.prefix + name, token: l.newToken()}
	acquired, err := l.client.SetNX(ctx, lease.key, lease.token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", lease.key, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return lease, true, nil
}

// Lock polls until the key is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, name string) (*Lease, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		lease, ok, err := l.TryLock(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s%s: %w", l.prefix, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (le *Lease) Key() string { return le.key }

// Release frees the key if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	n, err := le.locker.client.Eval(ctx, releaseScript, []string{le.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", le.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
