package sync

import (
	"context"
	"errors"
	stdsync "sync"
)

// ErrLeaseReleased is returned by Lease.Sync after Release.
var ErrLeaseReleased = errors.New("lease already released")

// Lease holds an orchestrator for a compound operation. While held the
// file stays in the Syncing state and Sync returns ErrSyncInProgress; only
// the lease may sync it.
type Lease struct {
	o        *Orchestrator
	once     stdsync.Once
	released bool
}

// Hold acquires the orchestrator. It fails with ErrSyncInProgress when a
// sync is running or another lease is held.
func (o *Orchestrator) Hold() (*Lease, error) {
	o.mu.Lock()
	if o.syncing || o.held {
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.held = true
	o.mu.Unlock()

	o.setState(Syncing)
	return &Lease{o: o}, nil
}

// Orchestrator returns the held orchestrator.
func (l *Lease) Orchestrator() *Orchestrator {
	return l.o
}

// Sync runs a sync on the held file. Failures are reported to subscribers
// exactly as for Orchestrator.Sync, but the file stays held.
func (l *Lease) Sync(ctx context.Context) error {
	l.o.mu.Lock()
	released := l.released
	l.o.mu.Unlock()
	if released {
		return ErrLeaseReleased
	}
	return l.o.run(ctx)
}

// Release ends the hold. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.o.mu.Lock()
		l.released = true
		l.o.held = false
		l.o.mu.Unlock()
		l.o.settle()
	})
}
