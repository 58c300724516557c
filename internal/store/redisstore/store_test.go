package redisstore

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	s, err := New(addr, os.Getenv("REDIS_TEST_PASSWORD"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLocker_SerializesAcrossHolders(t *testing.T) {
	s := testStore(t)
	key := "test-" + time.Now().Format("150405.000000")

	// two lockers model two server processes
	a, b := s.Locker(5*time.Second), s.Locker(5*time.Second)
	var inside, peak int32
	var wg sync.WaitGroup
	for i, l := range []*Locker{a, b, a, b} {
		wg.Add(1)
		go func(i int, l *Locker) {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if err != nil {
				t.Errorf("lock %d: %v", i, err)
				return
			}
			if n := atomic.AddInt32(&inside, 1); n > atomic.LoadInt32(&peak) {
				atomic.StoreInt32(&peak, n)
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}(i, l)
	}
	wg.Wait()
	require.EqualValues(t, 1, peak)
}

func TestLocker_HonoursContext(t *testing.T) {
	s := testStore(t)
	key := "test-ctx-" + time.Now().Format("150405.000000")
	l := s.Locker(5 * time.Second)

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPing(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
