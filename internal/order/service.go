// Package order orchestrates checkouts, renewals and plan operations.
//
// Every money-bearing operation runs as one store transaction: pricing reads,
// the wallet debit, plan creation and resource binding either all commit or
// none do. Store conflicts and lost allocation races replay the whole
// transaction from its read step a bounded number of times.
// Events and audit records are written only after commit.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-retry"

	"proxy-reseller/internal/audit"
	"proxy-reseller/internal/catalog"
	"proxy-reseller/internal/commission"
	"proxy-reseller/internal/events"
	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/plan"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/wallet"
)

var (
	ErrEmptyOrder   = errors.New("order: no items")
	ErrInvalidState = errors.New("order: invalid state")
	ErrValidation   = errors.New("order: validation failed")
	ErrForbidden    = errors.New("order: not permitted")

	// ErrTransient means contention outlived the retry budget. Nothing was committed
	// and the caller may try again.
	ErrTransient = errors.New("order: temporarily unavailable")
)

type Config struct {
	// MaxAttempts bounds how often one transaction is replayed on conflict.
	MaxAttempts  int
	RetryBackoff time.Duration
	// TxTimeout caps a whole operation including replays. Expiry aborts; it is not retried.
	TxTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators of the orchestrator. Audit and Events may be nil.
type Deps struct {
	Store      store.Store
	Catalog    *catalog.Service
	Wallet     *wallet.Service
	Allocator  *inventory.Allocator
	Plans      *plan.Manager
	Commission *commission.Calculator
	Events     events.Publisher
	Audit      *audit.Service
	Log        *slog.Logger
}

type Service struct {
	store      store.Store
	catalog    *catalog.Service
	wallet     *wallet.Service
	alloc      *inventory.Allocator
	plans      *plan.Manager
	commission *commission.Calculator
	events     events.Publisher
	audit      *audit.Service
	log        *slog.Logger
	validate   *validator.Validate
	cfg        Config
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	return &Service{
		store:      d.Store,
		catalog:    d.Catalog,
		wallet:     d.Wallet,
		alloc:      d.Allocator,
		plans:      d.Plans,
		commission: d.Commission,
		events:     d.Events,
		audit:      d.Audit,
		log:        d.Log,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		cfg:        cfg.withDefaults(),
		clock:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// Actor is the authenticated caller. Identity is established upstream and trusted here.
type Actor struct {
	UserID string
	Role   string
	IP     string
	// Staff may act on resources owned by other users.
	Staff bool
}

func (a Actor) owns(userID string) bool { return a.Staff || a.UserID == userID }

func (a Actor) auditActor() audit.Actor {
	return audit.Actor{UserID: a.UserID, Role: a.Role, IP: a.IP}
}

// inTx runs fn in a writable transaction and replays it on retryable failures.
func (s *Service) inTx(ctx context.Context, op string, fn store.TxFunc) error {
	return s.run(ctx, op, store.TxOptions{}, fn)
}

func (s *Service) readTx(ctx context.Context, op string, fn store.TxFunc) error {
	return s.run(ctx, op, store.TxOptions{ReadOnly: true}, fn)
}

func (s *Service) run(ctx context.Context, op string, opts store.TxOptions, fn store.TxFunc) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(s.cfg.MaxAttempts-1), retry.NewConstant(s.cfg.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.store.WithTx(ctx, opts, fn)
		if retryable(err) {
			s.log.WarnContext(ctx, "transaction conflict, replaying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if retryable(err) {
		return fmt.Errorf("%w: %s gave up after %d attempts: %v", ErrTransient, op, attempt, err)
	}
	return err
}

// retryable reports lost races. Business failures such as out of stock are final.
func retryable(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, inventory.ErrResourceUnavailable)
}

func (s *Service) validateRequest(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// publish is best-effort. The change it reports is already committed.
func (s *Service) publish(ctx context.Context, subject string, payload any) {
	if err := s.events.Publish(ctx, subject, payload); err != nil {
		s.log.ErrorContext(ctx, "event publish failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) record(ctx context.Context, what string, fn func(*audit.Service) error) {
	if s.audit == nil {
		return
	}
	if err := fn(s.audit); err != nil {
		s.log.WarnContext(ctx, "audit append failed", slog.String("action", what), slog.String("error", err.Error()))
	}
}
