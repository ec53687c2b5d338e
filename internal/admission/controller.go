// Package admission gates requests behind a per-account concurrency limit.
//
// The counter lives in the account record of the key store and is updated by
// read-modify-write, since the store offers neither atomic increments nor
// compare-and-swap. Two acquisitions that read the same count can both
// succeed, so an account can briefly run more than its limit under fan-in.
// Limits are kept small to bound that drift.
//
// Every held slot carries its acquisition time. A slot older than StaleAfter
// no longer counts, so a slot leaked by a worker that died between acquire
// and release frees itself at most StaleAfter after it was taken, however
// busy the account is. Releases drop the most recent slot, which leaves an
// older leaked one to age out. The Reconciler rewrites records holding
// expired slots in the background.
package admission

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/ledger"
	"metered_gateway/internal/metrics"

	"go.uber.org/zap"
)

// ErrConcurrencyExceeded is returned when every slot of the account is taken
var ErrConcurrencyExceeded = errors.New("concurrency limit exceeded")

// Config tunes the controller
type Config struct {
	DefaultMax     int
	StaleAfter     time.Duration
	ReleaseTimeout time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		DefaultMax:     3,
		StaleAfter:     5 * time.Minute,
		ReleaseTimeout: 5 * time.Second,
	}
}

// Controller acquires and releases concurrency slots
type Controller struct {
	store   kvstore.Store
	config  Config
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	// lease releases still writing to the store
	releasing sync.WaitGroup
}

// NewController creates an admission controller. metrics may be nil.
func NewController(store kvstore.Store, config Config, logger *zap.Logger, m *metrics.Recorder) *Controller {
	defaults := DefaultConfig()
	if config.DefaultMax <= 0 {
		config.DefaultMax = defaults.DefaultMax
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.ReleaseTimeout <= 0 {
		config.ReleaseTimeout = defaults.ReleaseTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		store:   store,
		config:  config,
		logger:  logger.Named("admission"),
		metrics: m,
		now:     time.Now,
	}
}

// Acquire takes a slot for accountID. It fails closed: when the store cannot
// be read or written the request is not admitted.
func (c *Controller) Acquire(ctx context.Context, accountID string) (*Lease, error) {
	rec, err := ledger.ReadRecord(ctx, c.store, accountID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	live := c.liveLeases(rec, now)
	limit := c.limitOf(rec)

	if len(live) >= limit {
		c.metrics.AdmissionRejected()
		c.logger.Debug("admission rejected",
			zap.String("account_id", accountID),
			zap.Int("concurrency", len(live)),
			zap.Int("limit", limit))
		return nil, ErrConcurrencyExceeded
	}

	setLeases(rec, append(live, now.UTC()), now)
	if err := ledger.WriteRecord(ctx, c.store, rec); err != nil {
		return nil, err
	}

	return newLease(c, accountID), nil
}

// Release frees one slot of accountID, never going below zero. Failures are
// logged and returned but must not fail the request: a slot that cannot be
// released expires through StaleAfter.
func (c *Controller) Release(ctx context.Context, accountID string) error {
	rec, err := ledger.ReadRecord(ctx, c.store, accountID)
	if err != nil {
		c.logger.Warn("release skipped", zap.String("account_id", accountID), zap.Error(err))
		return err
	}

	now := c.now()
	live := c.liveLeases(rec, now)
	if len(live) > 0 {
		live = live[:len(live)-1]
	}

	setLeases(rec, live, now)
	if err := ledger.WriteRecord(ctx, c.store, rec); err != nil {
		c.logger.Warn("release write failed", zap.String("account_id", accountID), zap.Error(err))
		return err
	}
	return nil
}

// Reset forces the counter of accountID to zero
func (c *Controller) Reset(ctx context.Context, accountID string) error {
	rec, err := ledger.ReadRecord(ctx, c.store, accountID)
	if err != nil {
		return err
	}
	setLeases(rec, nil, c.now())
	return ledger.WriteRecord(ctx, c.store, rec)
}

// InFlight returns the effective counter and limit of accountID
func (c *Controller) InFlight(ctx context.Context, accountID string) (count, limit int, err error) {
	rec, err := ledger.ReadRecord(ctx, c.store, accountID)
	if err != nil {
		return 0, 0, err
	}
	return len(c.liveLeases(rec, c.now())), c.limitOf(rec), nil
}

// WaitReleases blocks until every lease release started so far has written
// to the store, or ctx is done. Call it before closing the store.
func (c *Controller) WaitReleases(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.releasing.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) limitOf(rec *ledger.Record) int {
	if rec.Meta.MaxConcurrency != nil && *rec.Meta.MaxConcurrency > 0 {
		return *rec.Meta.MaxConcurrency
	}
	return c.config.DefaultMax
}

// slotTimes returns one acquisition time per counted slot, oldest first.
// Concurrency is authoritative for the number of slots: extra slots with no
// recorded time, e.g. from a record written by hand, take the record's
// ConcurrencyUpdatedAt, and surplus times beyond the count are dropped
// oldest first.
func slotTimes(rec *ledger.Record) []time.Time {
	count := max(rec.State.Concurrency, 0)
	times := slices.Clone(rec.State.ConcurrencyLeases)
	for len(times) < count {
		times = append(times, rec.State.ConcurrencyUpdatedAt)
	}
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
	return times[len(times)-count:]
}

// liveLeases returns the slots of rec taken within StaleAfter of now.
// A slot with no time at all counts as stale.
func (c *Controller) liveLeases(rec *ledger.Record, now time.Time) []time.Time {
	var live []time.Time
	for _, t := range slotTimes(rec) {
		if !t.IsZero() && now.Sub(t) <= c.config.StaleAfter {
			live = append(live, t)
		}
	}
	return live
}

// staleSlots counts the slots of rec that no longer count
func (c *Controller) staleSlots(rec *ledger.Record, now time.Time) int {
	return len(slotTimes(rec)) - len(c.liveLeases(rec, now))
}

func setLeases(rec *ledger.Record, leases []time.Time, now time.Time) {
	if len(leases) == 0 {
		leases = nil
	}
	rec.State.ConcurrencyLeases = leases
	rec.State.Concurrency = len(leases)
	rec.State.ConcurrencyUpdatedAt = now.UTC()
}
