// Package store defines the persistence contract of the fulfillment engine.
//
// Every repository call takes place on a Tx. A Tx is opened by Store.WithTx and
// passed explicitly down through the wallet, inventory and plan components, so the
// boundary of atomicity is visible in every signature. Nothing here holds an
// ambient session.
package store

import (
	"context"
	"errors"
	"time"

	"proxy-reseller/internal/model"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound = errors.New("store: not found")

	// ErrConflict signals a lost optimistic update or a serialization failure.
	// The whole transaction may be replayed from its read step.
	ErrConflict = errors.New("store: concurrent modification")

	ErrDuplicate = errors.New("store: duplicate key")
)

// TxOptions controls how a transaction is opened.
type TxOptions struct {
	ReadOnly bool
}

// TxFunc is the unit of work executed inside a transaction.
// Returning an error rolls back every write made through tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store opens transactions against a durable backend.
type Store interface {
	WithTx(ctx context.Context, opts TxOptions, fn TxFunc) error
	Ping(ctx context.Context) error
	Close()
}

// Tx is the transaction-scope handle. Writes become visible to other
// transactions only after the enclosing WithTx commits.
//
// Update* methods are optimistic: they match on the Version read earlier in the
// same transaction, bump it, and return ErrConflict if the row moved meanwhile.
type Tx interface {
	// Wallets
	GetWallet(ctx context.Context, walletID string) (model.Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (model.Wallet, error)
	// LockWallet reads the wallet and serializes concurrent writers on it until commit.
	LockWallet(ctx context.Context, walletID string) (model.Wallet, error)
	// EnsureWallet inserts w unless the user already has a wallet, and returns the stored row.
	EnsureWallet(ctx context.Context, w model.Wallet) (model.Wallet, error)
	UpdateWallet(ctx context.Context, w model.Wallet) (model.Wallet, error)

	// Ledger
	InsertLedgerEntry(ctx context.Context, e model.LedgerEntry) (model.LedgerEntry, error)
	FindLedgerEntryByIdempotency(ctx context.Context, walletID, key string) (model.LedgerEntry, bool, error)
	ListLedgerEntries(ctx context.Context, walletID string, f LedgerFilter) ([]model.LedgerEntry, error)

	// Catalog
	GetPackage(ctx context.Context, packageID string) (model.Package, error)
	GetReferral(ctx context.Context, userID string) (model.Referral, bool, error)

	// Proxies
	GetProxy(ctx context.Context, proxyID string) (model.Proxy, error)
	// FindFreeProxies returns candidates only; callers re-check each unit before binding it.
	FindFreeProxies(ctx context.Context, c ProxyCriteria, limit int) ([]model.Proxy, error)
	ListProxiesByPlan(ctx context.Context, planID string) ([]model.Proxy, error)
	UpdateProxy(ctx context.Context, p model.Proxy) (model.Proxy, error)

	// Plans
	InsertPlan(ctx context.Context, p model.Plan) (model.Plan, error)
	GetPlan(ctx context.Context, planID string) (model.Plan, error)
	UpdatePlan(ctx context.Context, p model.Plan) (model.Plan, error)
	ListPlansDue(ctx context.Context, f PlanDueFilter) ([]model.Plan, error)

	// Orders
	InsertOrder(ctx context.Context, o model.Order) (model.Order, error)
	GetOrder(ctx context.Context, orderID string) (model.Order, error)
	UpdateOrder(ctx context.Context, o model.Order) (model.Order, error)
}

// ProxyCriteria filters free inventory. Empty fields match anything.
type ProxyCriteria struct {
	Category    model.ProxyCategory
	NetworkType model.NetworkType
	Sharing     model.Sharing
	Country     string
	Protocol    model.Protocol
}

// Matches reports whether p satisfies the criteria and is free to sell.
func (c ProxyCriteria) Matches(p model.Proxy) bool {
	if p.Status != model.ProxyStatusActive || p.Hold != model.HoldFree {
		return false
	}
	if c.Category != "" && p.Category != c.Category {
		return false
	}
	if c.NetworkType != "" && p.NetworkType != c.NetworkType {
		return false
	}
	if c.Sharing != "" && p.Sharing != c.Sharing {
		return false
	}
	if c.Country != "" && p.Country != c.Country {
		return false
	}
	if c.Protocol != "" && p.Protocol != c.Protocol {
		return false
	}
	return true
}

// LedgerFilter narrows a ledger listing. Zero values mean unbounded.
// Results are always in creation order.
type LedgerFilter struct {
	AfterSeq int64
	From     time.Time
	To       time.Time
	Limit    int
}

// Match reports whether e passes the seq and time bounds.
func (f LedgerFilter) Match(e model.LedgerEntry) bool {
	if e.Seq <= f.AfterSeq {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// PlanDueFilter selects plans in State whose window ended before EndBefore.
type PlanDueFilter struct {
	State     model.PlanState
	EndBefore time.Time
	Limit     int
}
