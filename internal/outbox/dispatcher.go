// Package outbox moves committed outbox events to the broadcast transport.
//
// Delivery is per tenant and strictly ordered by event id. A tenant's events
// are only ever handled by the dispatcher holding that tenant's lock, the
// cursor only moves after the transport accepted the batch, and a batch that
// was published but not confirmed is published again on the next tick.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/lock"
	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/ratelimit"
	"catalog-pipeline/internal/telemetry"
	"catalog-pipeline/internal/transport"
)

const (
	maxTicksPerClaim = 10
	releaseTimeout   = 2 * time.Second
)

// Store is the delivery side of the outbox table.
type Store interface {
	ActiveTenants(ctx context.Context) ([]string, error)
	EnsureCursor(ctx context.Context, tenantID, consumer string) (models.ProcessorCursor, error)
	FetchAfter(ctx context.Context, tenantID string, afterID int64, limit int) ([]models.OutboxEvent, error)
	ConfirmDelivery(ctx context.Context, tenantID, consumer string, eventIDs []int64) error
	RecordFailure(ctx context.Context, tenantID string, eventIDs []int64, lastError string) error
}

type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, bool, error)
}

type Limiter interface {
	Reserve(ctx context.Context, key string, n int) (ratelimit.Reservation, error)
	Refund(ctx context.Context, r ratelimit.Reservation) error
}

// Settings tunes a Dispatcher.
type Settings struct {
	Consumer    string
	BatchSize   int
	LockTTL     time.Duration
	MaxTenants  int
	PollMin     time.Duration
	PollMax     time.Duration
	FailureBase time.Duration
	FailureMax  time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Consumer:    cfg.OutboxConsumer,
		BatchSize:   cfg.OutboxBatchSize,
		LockTTL:     cfg.OutboxLockTTL,
		MaxTenants:  cfg.OutboxMaxTenants,
		PollMin:     cfg.OutboxPollMin,
		PollMax:     cfg.OutboxPollMax,
		FailureBase: 500 * time.Millisecond,
		FailureMax:  30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Consumer == "" {
		s.Consumer = "broadcast"
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 15 * time.Second
	}
	if s.MaxTenants <= 0 {
		s.MaxTenants = 32
	}
	if s.PollMin <= 0 {
		s.PollMin = 100 * time.Millisecond
	}
	if s.PollMax < s.PollMin {
		s.PollMax = s.PollMin
	}
	if s.FailureBase <= 0 {
		s.FailureBase = 500 * time.Millisecond
	}
	if s.FailureMax < s.FailureBase {
		s.FailureMax = s.FailureBase
	}
	return s
}

// TickResult reports one DispatchTenant call.
type TickResult struct {
	Delivered  int
	Skipped    bool
	Throttled  bool
	RetryAfter time.Duration
	More       bool
}

type tenantState struct {
	inFlight  bool
	notBefore time.Time
	failures  int
}

type Dispatcher struct {
	store   Store
	pub     transport.Publisher
	locker  Locker
	limiter Limiter
	set     Settings
	log     *slog.Logger
	now     func() time.Time
	wake    chan struct{}

	mu      sync.Mutex
	tenants map[string]*tenantState
	offset  int
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(st Store, pub transport.Publisher, locker Locker, limiter Limiter, set Settings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   st,
		pub:     pub,
		locker:  locker,
		limiter: limiter,
		set:     set.withDefaults(),
		log:     slog.Default(),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		tenants: make(map[string]*tenantState),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "dispatcher", "consumer", d.set.Consumer)
	return d
}

// Wake cuts the current idle wait short.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func lockName(consumer, tenantID string) string {
	return "outbox:" + consumer + ":" + tenantID
}

func rateKey(tenantID string) string {
	return "outbox:" + tenantID
}

// DispatchTenant runs one delivery tick for a tenant. A failed publish is
// recorded against the batch and returned as a delivery error; nothing is
// confirmed in that case.
func (d *Dispatcher) DispatchTenant(ctx context.Context, tenantID string) (TickResult, error) {
	ctx, span := telemetry.Tracer("outbox").Start(ctx, "outbox.dispatch_tenant")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	res, err := d.dispatchTenant(ctx, tenantID)
	span.SetAttributes(
		attribute.Int("delivered", res.Delivered),
		attribute.Bool("throttled", res.Throttled),
		attribute.Bool("skipped", res.Skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
	}
	return res, err
}

func (d *Dispatcher) dispatchTenant(ctx context.Context, tenantID string) (TickResult, error) {
	var res TickResult

	lease, ok, err := d.locker.TryAcquire(ctx, lockName(d.set.Consumer, tenantID), d.set.LockTTL)
	if err != nil {
		return res, fmt.Errorf("acquire tenant lock: %w", err)
	}
	if !ok {
		telemetry.OutboxLockSkips.Inc()
		res.Skipped = true
		return res, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			d.log.Warn("release tenant lock", "tenant_id", tenantID, "error", err)
		}
	}()

	cursor, err := d.store.EnsureCursor(ctx, tenantID, d.set.Consumer)
	if err != nil {
		return res, fmt.Errorf("ensure cursor: %w", err)
	}
	batch, err := d.store.FetchAfter(ctx, tenantID, cursor.LastProcessedEventID, d.set.BatchSize)
	if err != nil {
		return res, fmt.Errorf("fetch events: %w", err)
	}
	if len(batch) == 0 {
		return res, nil
	}
	for _, ev := range batch {
		if ev.TenantID != tenantID {
			return res, fmt.Errorf("event %d fetched for tenant %s belongs to %s", ev.EventID, tenantID, ev.TenantID)
		}
	}

	rsv, err := d.limiter.Reserve(ctx, rateKey(tenantID), len(batch))
	if err != nil {
		return res, fmt.Errorf("reserve delivery budget: %w", err)
	}
	if rsv.Granted < len(batch) {
		res.Throttled = true
		res.RetryAfter = rsv.RetryAfter
		telemetry.OutboxThrottled.Inc()
	}
	if rsv.Granted == 0 {
		return res, nil
	}
	batch = batch[:rsv.Granted]
	ids := make([]int64, len(batch))
	for i, ev := range batch {
		ids[i] = ev.EventID
	}

	if err := d.pub.Publish(ctx, tenantID, batch); err != nil {
		telemetry.OutboxPublishFailures.Inc()
		if rerr := d.limiter.Refund(context.WithoutCancel(ctx), rsv); rerr != nil {
			d.log.Warn("refund delivery budget", "tenant_id", tenantID, "error", rerr)
		}
		if ferr := d.store.RecordFailure(context.WithoutCancel(ctx), tenantID, ids, apperr.Sanitize(err.Error())); ferr != nil {
			d.log.Error("record delivery failure", "tenant_id", tenantID, "error", ferr)
		}
		return res, apperr.Delivery(tenantID, err)
	}

	if err := d.store.ConfirmDelivery(ctx, tenantID, d.set.Consumer, ids); err != nil {
		// The batch is already out; the next tick publishes it again.
		return res, fmt.Errorf("confirm delivery: %w", err)
	}

	now := d.now()
	telemetry.OutboxPublished.Add(float64(len(batch)))
	telemetry.OutboxBatchSize.Observe(float64(len(batch)))
	for _, ev := range batch {
		telemetry.ObserveOutboxLag(ev.CreatedAt, now)
	}
	res.Delivered = len(batch)
	res.More = !res.Throttled && len(batch) == d.set.BatchSize
	d.log.Debug("batch delivered", "tenant_id", tenantID, "events", len(batch),
		"first_event_id", ids[0], "last_event_id", ids[len(ids)-1])
	return res, nil
}

// Run polls for active tenants until ctx ends and drains each one on its own
// goroutine, at most MaxTenants at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	idle := NewBackoff(d.set.PollMin, d.set.PollMax, 2)
	sem := make(chan struct{}, d.set.MaxTenants)
	var wg sync.WaitGroup
	defer wg.Wait()

	d.log.Info("dispatcher started", "batch_size", d.set.BatchSize, "max_tenants", d.set.MaxTenants)
	for {
		launched, err := d.cycle(ctx, sem, &wg)
		if err != nil && ctx.Err() == nil {
			d.log.Error("list active tenants", "error", err)
		}

		var wait time.Duration
		if launched > 0 {
			idle.Reset()
			wait = d.set.PollMin
		} else {
			wait = idle.Next()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.log.Info("dispatcher stopping")
			return ctx.Err()
		case <-d.wake:
			timer.Stop()
			idle.Reset()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) cycle(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) (int, error) {
	tenants, err := d.store.ActiveTenants(ctx)
	if err != nil {
		return 0, err
	}
	if len(tenants) == 0 {
		return 0, nil
	}

	// Rotate the starting tenant so a saturated pool does not always favour
	// the same ones.
	d.mu.Lock()
	start := d.offset % len(tenants)
	d.offset++
	d.forgetIdle(tenants)
	d.mu.Unlock()

	launched := 0
	for i := range tenants {
		tenantID := tenants[(start+i)%len(tenants)]
		if !d.claim(tenantID) {
			continue
		}
		select {
		case sem <- struct{}{}:
		default:
			d.unclaim(tenantID)
			return launched, nil
		}
		launched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.drain(ctx, tenantID)
		}()
	}
	return launched, nil
}

// forgetIdle drops state for tenants that have gone quiet. mu must be held.
func (d *Dispatcher) forgetIdle(active []string) {
	keep := make(map[string]bool, len(active))
	for _, t := range active {
		keep[t] = true
	}
	now := d.now()
	for t, st := range d.tenants {
		if !keep[t] && !st.inFlight && !now.Before(st.notBefore) {
			delete(d.tenants, t)
		}
	}
}

func (d *Dispatcher) claim(tenantID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.tenants[tenantID]
	if !ok {
		st = &tenantState{}
		d.tenants[tenantID] = st
	}
	if st.inFlight || d.now().Before(st.notBefore) {
		return false
	}
	st.inFlight = true
	return true
}

func (d *Dispatcher) unclaim(tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.tenants[tenantID]; ok {
		st.inFlight = false
	}
}

// drain ticks a tenant until it runs dry, is throttled, fails, or has used
// its share of ticks for this claim.
func (d *Dispatcher) drain(ctx context.Context, tenantID string) {
	var delay time.Duration
	failed := false
	for i := 0; i < maxTicksPerClaim && ctx.Err() == nil; i++ {
		res, err := d.DispatchTenant(ctx, tenantID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failed = true
			d.log.Warn("tenant delivery failed", "tenant_id", tenantID, "error", err,
				"delivery_error", errors.Is(err, apperr.ErrDelivery))
			break
		}
		if res.Skipped {
			delay = d.set.PollMax
			break
		}
		if res.Throttled {
			delay = res.RetryAfter
			break
		}
		if !res.More {
			break
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.tenants[tenantID]
	st.inFlight = false
	if failed {
		st.failures++
		delay = backoffWithJitter(d.set.FailureBase, d.set.FailureMax, st.failures)
	} else {
		st.failures = 0
	}
	st.notBefore = d.now().Add(delay)
}
