package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// ErrNotLeader is returned when another instance holds the settlement lock
var ErrNotLeader = errors.New("settlement lock held elsewhere")

// Locker elects the single instance allowed to settle. TryLock never
// blocks waiting for the holder.
type Locker interface {
	TryLock(ctx context.Context) (release func(), err error)
}

// LocalLocker serializes settlement runs within one process
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) TryLock(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrNotLeader
	}
	return l.mu.Unlock, nil
}

// EtcdLocker holds an etcd mutex for the duration of a run
type EtcdLocker struct {
	client *clientv3.Client
	key    string
	ttl    int
}

// NewEtcdLocker connects to etcd. ttl bounds how long a crashed holder
// keeps the lock.
func NewEtcdLocker(endpoints []string, key string, ttl time.Duration) (*EtcdLocker, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	secs := int(ttl.Seconds())
	if secs < 1 {
		secs = 30
	}
	return &EtcdLocker{client: client, key: key, ttl: secs}, nil
}

func (l *EtcdLocker) TryLock(ctx context.Context) (func(), error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open etcd session: %w", err)
	}
	m := concurrency.NewMutex(session, l.key)
	if err := m.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrNotLeader
		}
		return nil, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Unlock(ctx)
		session.Close()
	}, nil
}

// Close releases the etcd client
func (l *EtcdLocker) Close() error {
	return l.client.Close()
}
