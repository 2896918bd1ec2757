// Package lock provides run locks that stop two replicas (or two ticks of the
// same replica) from running the same scheduled job at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/port"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "card-usage-reports:lock:"

// RedisLocker obtains locks through redislock so they hold across replicas.
type RedisLocker struct {
	client *redislock.Client
	logger *zap.Logger
}

var _ port.RunLocker = (*RedisLocker)(nil)

// NewRedisLocker builds a locker on an existing redis client.
func NewRedisLocker(rdb redis.UniversalClient, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), logger: logger}
}

// Dial connects to addr, pings it and returns the locker with the client
// so the caller can close it on shutdown.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*RedisLocker, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 10,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, &domain.ErrExternalService{Service: "redis", Err: err}
	}
	logger.Info("connected to redis", zap.String("addr", addr))
	return NewRedisLocker(rdb, logger), rdb, nil
}

// Obtain takes the named lock for ttl without waiting.
func (l *RedisLocker) Obtain(ctx context.Context, name string, ttl time.Duration) (port.Unlocker, error) {
	lk, err := l.client.Obtain(ctx, keyPrefix+name, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		l.logger.Info("run lock held elsewhere", zap.String("lock", name))
		return nil, &domain.ErrLocked{Name: name}
	}
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "redis", Err: fmt.Errorf("obtain %s: %w", name, err)}
	}
	return &redisUnlocker{lock: lk}, nil
}

type redisUnlocker struct {
	lock *redislock.Lock
}

func (u *redisUnlocker) Release(ctx context.Context) error {
	err := u.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// LocalLocker is an in-process locker for single-replica deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

var _ port.RunLocker = (*LocalLocker)(nil)

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

// Obtain takes the named lock unless it is held and not yet expired.
func (l *LocalLocker) Obtain(_ context.Context, name string, ttl time.Duration) (port.Unlocker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[name]; ok && now.Before(exp) {
		return nil, &domain.ErrLocked{Name: name}
	}
	exp := now.Add(ttl)
	l.held[name] = exp
	return &localUnlocker{locker: l, name: name, exp: exp}, nil
}

type localUnlocker struct {
	locker *LocalLocker
	name   string
	exp    time.Time
}

func (u *localUnlocker) Release(context.Context) error {
	u.locker.mu.Lock()
	defer u.locker.mu.Unlock()
	// Only drop our own hold; an expired lock may have been re-taken.
	if exp, ok := u.locker.held[u.name]; ok && exp.Equal(u.exp) {
		delete(u.locker.held, u.name)
	}
	return nil
}
