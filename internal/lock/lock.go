// Package lock provides a best-effort distributed mutex so scheduled work
// runs on one node at a time.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// ErrNotObtained is returned when another holder owns the key.
var ErrNotObtained = eris.New("lock: not obtained")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires leases without blocking.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Redis is a Locker backed by redislock.
type Redis struct {
	client *redislock.Client
}

// NewRedis creates a Redis locker over rdb.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{client: redislock.New(rdb)}
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, eris.Wrapf(ErrNotObtained, "lock: %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "lock: obtain %s", key)
	}
	return redisLease{l}, nil
}

type redisLease struct {
	l *redislock.Lock
}

func (r redisLease) Release(ctx context.Context) error {
	err := r.l.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// Expired before release; nothing to undo.
		return nil
	}
	return eris.Wrap(err, "lock: release")
}

// Local is an in-process Locker for single-node deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, eris.Wrapf(ErrNotObtained, "lock: %s", key)
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return &localLease{owner: l, key: key, exp: exp}, nil
}

type localLease struct {
	owner *Local
	key   string
	exp   time.Time
}

func (ll *localLease) Release(context.Context) error {
	ll.owner.mu.Lock()
	defer ll.owner.mu.Unlock()
	// Only drop the entry if it is still ours.
	if exp, ok := ll.owner.held[ll.key]; ok && exp.Equal(ll.exp) {
		delete(ll.owner.held, ll.key)
	}
	return nil
}
