package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

type Store struct {
	Client *redis.Client
	rs     *redsync.Redsync
}

func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Store{Client: client, rs: redsync.New(goredis.NewPool(client))}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.Client.Close()
}

// Locker returns a thread lock shared by every server process on this redis.
// ttl bounds how long a crashed holder can keep a thread locked.
func (s *Store) Locker(ttl time.Duration) *Locker {
	return &Locker{rs: s.rs, ttl: ttl}
}

type Locker struct {
	rs  *redsync.Redsync
	ttl time.Duration
}

const lockPrefix = "turnlock:"

// Lock blocks until the thread is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	m := l.rs.NewMutex(lockPrefix+key,
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(1),
	)
	wait := 25 * time.Millisecond
	for {
		err := m.LockContext(ctx)
		if err == nil {
			break
		}
		// taken and unreachable-node errors are both retried until ctx ends
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w (last: %v)", key, ctx.Err(), err)
		case <-time.After(wait):
		}
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}

	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = m.UnlockContext(uctx)
	}, nil
}
