// Package lease provides short-lived per-vault leases that keep the
// reserve rebalancer and the integrity auditor from working on the same
// vault at the same time.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/treasury/vault"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease: held by another owner")

// Key returns the lease key for a vault.
func Key(id vault.ID) string { return "treasury:vault:" + string(id) }

// Lease is an acquired lease.
type Lease interface {
	Key() string
	// Release gives the lease up. Releasing an expired or already
	// released lease is not an error.
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	// Acquire takes the lease on key for ttl, or returns ErrHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// AcquireAll takes the leases in order. If any is held, the ones already
// taken are released and ErrHeld is returned.
func AcquireAll(ctx context.Context, l Locker, ttl time.Duration, keys ...string) ([]Lease, error) {
	held := make([]Lease, 0, len(keys))
	for _, k := range keys {
		ls, err := l.Acquire(ctx, k, ttl)
		if err != nil {
			ReleaseAll(context.WithoutCancel(ctx), held)
			return nil, err
		}
		held = append(held, ls)
	}
	return held, nil
}

// ReleaseAll releases leases in reverse order, ignoring errors; an
// unreleased lease expires on its own.
func ReleaseAll(ctx context.Context, leases []Lease) {
	for i := len(leases) - 1; i >= 0; i-- {
		_ = leases[i].Release(ctx) //nolint:errcheck // lease expires on its own
	}
}

// ──────────────────────────────────────────────────
// In-process locker
// ──────────────────────────────────────────────────

// Local is an in-process Locker. It serializes maintenance jobs of a
// single Treasury instance.
type Local struct {
	mu     sync.Mutex
	owners map[string]localEntry
	now    func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{owners: make(map[string]localEntry), now: time.Now}
}

// Acquire implements Locker.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.owners[key]; ok && now.Before(cur.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.owners[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{l: l, key: key, token: token}, nil
}

type localLease struct {
	l     *Local
	key   string
	token string
}

func (ls *localLease) Key() string { return ls.key }

func (ls *localLease) Release(context.Context) error {
	ls.l.mu.Lock()
	defer ls.l.mu.Unlock()
	if cur, ok := ls.l.owners[ls.key]; ok && cur.token == ls.token {
		delete(ls.l.owners, ls.key)
	}
	return nil
}
