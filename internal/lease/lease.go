// Package lease provides the per-class dispatch lease that keeps replicas from
// working the same issue class at once.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Lease is a held lock. Token proves ownership on release.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker hands out expiring leases. Acquire returns models.ErrLeaseHeld when
// another holder owns key; Renew returns models.ErrLeaseLost once the caller no
// longer owns it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
	Close() error
}

// LocalLocker keeps leases in process memory. It is enough for a single replica.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewLocalLocker creates an in-memory locker. A nil clock uses time.Now.
func NewLocalLocker(now func() time.Time) *LocalLocker {
	if now == nil {
		now = time.Now
	}
	return &LocalLocker{leases: make(map[string]Lease), now: now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.ExpiresAt) {
		return Lease{}, models.ErrLeaseHeld
	}
	lease := Lease{Key: key, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	l.leases[key] = lease
	return lease, nil
}

// Renew pushes the expiry of a lease the caller still owns to now+ttl.
func (l *LocalLocker) Renew(_ context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	held, ok := l.leases[lease.Key]
	if !ok || held.Token != lease.Token || !now.Before(held.ExpiresAt) {
		return Lease{}, models.ErrLeaseLost
	}
	held.ExpiresAt = now.Add(ttl)
	l.leases[lease.Key] = held
	return held, nil
}

// Release drops the lease if it is still owned by the caller.
func (l *LocalLocker) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.leases[lease.Key]; ok && held.Token == lease.Token {
		delete(l.leases, lease.Key)
	}
	return nil
}

// Close is a no-op.
func (l *LocalLocker) Close() error { return nil }
