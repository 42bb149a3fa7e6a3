package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// ErrLockHeld means another holder owns the lock
var ErrLockHeld = errors.New("lock held elsewhere")

// Locker grants exclusive job runs. TryLock never waits for a holder; it
// fails with ErrLockHeld instead.
type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), err error)
}

// LocalLocker serializes jobs inside one process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// TryLock implements Locker
func (l *LocalLocker) TryLock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[name] {
		return nil, ErrLockHeld
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, nil
}

// EtcdLocker serializes jobs across replicas with etcd mutexes. The lease
// behind the session expires if the process dies mid-job.
type EtcdLocker struct {
	session *concurrency.Session
	prefix  string
}

// NewEtcdLocker opens a session with the given lease TTL in seconds
func NewEtcdLocker(client *clientv3.Client, prefix string, ttl int) (*EtcdLocker, error) {
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("open etcd session: %w", err)
	}
	return &EtcdLocker{session: session, prefix: prefix}, nil
}

// TryLock implements Locker
func (l *EtcdLocker) TryLock(ctx context.Context, name string) (func(), error) {
	m := concurrency.NewMutex(l.session, l.prefix+"/"+name)
	if err := m.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	return func() {
		// the lease still releases the key if this fails
		_ = m.Unlock(context.Background())
	}, nil
}

// Close ends the session and releases any held locks
func (l *EtcdLocker) Close() error {
	return l.session.Close()
}
