package admission

import (
	"context"
	"sync"
)

// Lease is an acquired concurrency slot. Release is safe to call any number
// of times from any exit path; only the first call frees the slot.
type Lease struct {
	controller *Controller
	accountID  string

	once sync.Once
	done chan struct{}
}

func newLease(c *Controller, accountID string) *Lease {
	return &Lease{
		controller: c,
		accountID:  accountID,
		done:       make(chan struct{}),
	}
}

// AccountID returns the account holding the slot
func (l *Lease) AccountID() string {
	return l.accountID
}

// Release frees the slot in the background. It does not wait for the store
// and does not depend on the request context, so it completes even after the
// client has gone away.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.controller.releasing.Add(1)
		go func() {
			defer l.controller.releasing.Done()
			defer close(l.done)

			ctx, cancel := context.WithTimeout(context.Background(), l.controller.config.ReleaseTimeout)
			defer cancel()

			_ = l.controller.Release(ctx, l.accountID)
		}()
	})
}

// Done is closed once the release has run
func (l *Lease) Done() <-chan struct{} {
	return l.done
}
