// Package memory is an in-process implementation of store.Store.
//
// Transactions are serialized by a single mutex and run against a private copy
// of the dataset which replaces the live one on commit. That gives the engine
// the same all-or-nothing behavior it gets from Postgres, which makes it the
// backend of choice for tests and local development.
//
// It is not intended for production use. WithTx must not be nested.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

type Store struct {
	mu    sync.Mutex
	data  *dataset
	clock func() time.Time

	// conflicts makes the next N commits fail with store.ErrConflict.
	conflicts int
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: newDataset(), clock: time.Now}
}

// SetClock overrides the timestamp source used for created/updated stamps.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// InjectConflicts makes the next n commits fail as if a concurrent writer won.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

func (s *Store) WithTx(ctx context.Context, opts store.TxOptions, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{data: s.data.clone(), now: s.clock, readOnly: opts.ReadOnly}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if opts.ReadOnly {
		return nil
	}
	// A deadline that passed while fn ran aborts the commit.
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("memory: commit: %w", store.ErrConflict)
	}
	s.data = tx.data
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() {}

// Fixture helpers. They write outside any transaction and are meant for seeding.

func (s *Store) PutPackage(p model.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.PriceTiers = slices.Clone(p.PriceTiers)
	s.data.packages[p.ID] = p
}

func (s *Store) PutReferral(r model.Referral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.referrals[r.UserID] = r
}

func (s *Store) PutProxy(p model.Proxy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Hold == "" {
		p.Hold = model.HoldFree
	}
	if p.Status == "" {
		p.Status = model.ProxyStatusActive
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock().UTC()
	}
	s.data.proxies[p.ID] = p
}

// PutPlan stores a plan as-is, bypassing the lifecycle. Useful to set up expired windows.
func (s *Store) PutPlan(p model.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	s.data.plans[p.ID] = p
}

type dataset struct {
	wallets      map[string]model.Wallet
	walletByUser map[string]string
	ledger       map[string][]model.LedgerEntry
	nextSeq      int64

	packages  map[string]model.Package
	referrals map[string]model.Referral
	proxies   map[string]model.Proxy
	plans     map[string]model.Plan

	orders       map[string]model.Order
	orderNumbers map[string]string
}

func newDataset() *dataset {
	return &dataset{
		wallets:      map[string]model.Wallet{},
		walletByUser: map[string]string{},
		ledger:       map[string][]model.LedgerEntry{},
		packages:     map[string]model.Package{},
		referrals:    map[string]model.Referral{},
		proxies:      map[string]model.Proxy{},
		plans:        map[string]model.Plan{},
		orders:       map[string]model.Order{},
		orderNumbers: map[string]string{},
	}
}

// clone copies every map. Ledger slices are cloned so appends never leak into
// the committed copy; stored values are otherwise treated as immutable.
func (d *dataset) clone() *dataset {
	out := &dataset{
		wallets:      maps.Clone(d.wallets),
		walletByUser: maps.Clone(d.walletByUser),
		ledger:       make(map[string][]model.LedgerEntry, len(d.ledger)),
		nextSeq:      d.nextSeq,
		packages:     maps.Clone(d.packages),
		referrals:    maps.Clone(d.referrals),
		proxies:      maps.Clone(d.proxies),
		plans:        maps.Clone(d.plans),
		orders:       maps.Clone(d.orders),
		orderNumbers: maps.Clone(d.orderNumbers),
	}
	for k, v := range d.ledger {
		out.ledger[k] = slices.Clone(v)
	}
	return out
}

type memTx struct {
	data     *dataset
	now      func() time.Time
	readOnly bool
}

var errReadOnly = errors.New("memory: write in read-only transaction")

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) GetWallet(ctx context.Context, walletID string) (model.Wallet, error) {
	w, ok := t.data.wallets[walletID]
	if !ok {
		return model.Wallet{}, store.ErrNotFound
	}
	return w, nil
}

func (t *memTx) GetWalletByUser(ctx context.Context, userID string) (model.Wallet, error) {
	id, ok := t.data.walletByUser[userID]
	if !ok {
		return model.Wallet{}, store.ErrNotFound
	}
	return t.GetWallet(ctx, id)
}

// LockWallet is a plain read: the store mutex already serializes transactions.
func (t *memTx) LockWallet(ctx context.Context, walletID string) (model.Wallet, error) {
	return t.GetWallet(ctx, walletID)
}

func (t *memTx) EnsureWallet(ctx context.Context, w model.Wallet) (model.Wallet, error) {
	if existing, err := t.GetWalletByUser(ctx, w.UserID); err == nil {
		return existing, nil
	}
	if err := t.writable(); err != nil {
		return model.Wallet{}, err
	}
	if _, ok := t.data.wallets[w.ID]; ok {
		return model.Wallet{}, store.ErrDuplicate
	}
	now := t.now().UTC()
	w.Version = 1
	w.CreatedAt, w.UpdatedAt = now, now
	t.data.wallets[w.ID] = w
	t.data.walletByUser[w.UserID] = w.ID
	return w, nil
}

func (t *memTx) UpdateWallet(ctx context.Context, w model.Wallet) (model.Wallet, error) {
	if err := t.writable(); err != nil {
		return model.Wallet{}, err
	}
	cur, ok := t.data.wallets[w.ID]
	if !ok {
		return model.Wallet{}, store.ErrNotFound
	}
	if cur.Version != w.Version {
		return model.Wallet{}, store.ErrConflict
	}
	w.Version++
	w.UpdatedAt = t.now().UTC()
	t.data.wallets[w.ID] = w
	return w, nil
}

func (t *memTx) InsertLedgerEntry(ctx context.Context, e model.LedgerEntry) (model.LedgerEntry, error) {
	if err := t.writable(); err != nil {
		return model.LedgerEntry{}, err
	}
	if e.IdempotencyKey != "" {
		if _, ok, _ := t.FindLedgerEntryByIdempotency(ctx, e.WalletID, e.IdempotencyKey); ok {
			return model.LedgerEntry{}, store.ErrDuplicate
		}
	}
	t.data.nextSeq++
	e.Seq = t.data.nextSeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now().UTC()
	}
	e.Metadata = maps.Clone(e.Metadata)
	t.data.ledger[e.WalletID] = append(t.data.ledger[e.WalletID], e)
	return e, nil
}

func (t *memTx) FindLedgerEntryByIdempotency(ctx context.Context, walletID, key string) (model.LedgerEntry, bool, error) {
	for _, e := range t.data.ledger[walletID] {
		if e.IdempotencyKey == key {
			return e, true, nil
		}
	}
	return model.LedgerEntry{}, false, nil
}

func (t *memTx) ListLedgerEntries(ctx context.Context, walletID string, f store.LedgerFilter) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for _, e := range t.data.ledger[walletID] {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) GetPackage(ctx context.Context, packageID string) (model.Package, error) {
	p, ok := t.data.packages[packageID]
	if !ok {
		return model.Package{}, store.ErrNotFound
	}
	return p, nil
}

func (t *memTx) GetReferral(ctx context.Context, userID string) (model.Referral, bool, error) {
	r, ok := t.data.referrals[userID]
	return r, ok, nil
}

func (t *memTx) GetProxy(ctx context.Context, proxyID string) (model.Proxy, error) {
	p, ok := t.data.proxies[proxyID]
	if !ok {
		return model.Proxy{}, store.ErrNotFound
	}
	return p, nil
}

func (t *memTx) FindFreeProxies(ctx context.Context, c store.ProxyCriteria, limit int) ([]model.Proxy, error) {
	var out []model.Proxy
	for _, p := range t.data.proxies {
		if c.Matches(p) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Proxy) int {
		if d := a.CreatedAt.Compare(b.CreatedAt); d != 0 {
			return d
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListProxiesByPlan(ctx context.Context, planID string) ([]model.Proxy, error) {
	var out []model.Proxy
	for _, p := range t.data.proxies {
		if p.CurrentPlanID == planID && p.Hold.Assigned() {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Proxy) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (t *memTx) UpdateProxy(ctx context.Context, p model.Proxy) (model.Proxy, error) {
	if err := t.writable(); err != nil {
		return model.Proxy{}, err
	}
	cur, ok := t.data.proxies[p.ID]
	if !ok {
		return model.Proxy{}, store.ErrNotFound
	}
	if cur.Version != p.Version {
		return model.Proxy{}, store.ErrConflict
	}
	p.Version++
	p.UpdatedAt = t.now().UTC()
	t.data.proxies[p.ID] = p
	return p, nil
}

func (t *memTx) InsertPlan(ctx context.Context, p model.Plan) (model.Plan, error) {
	if err := t.writable(); err != nil {
		return model.Plan{}, err
	}
	if _, ok := t.data.plans[p.ID]; ok {
		return model.Plan{}, store.ErrDuplicate
	}
	now := t.now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	t.data.plans[p.ID] = p
	return p, nil
}

func (t *memTx) GetPlan(ctx context.Context, planID string) (model.Plan, error) {
	p, ok := t.data.plans[planID]
	if !ok {
		return model.Plan{}, store.ErrNotFound
	}
	return p, nil
}

func (t *memTx) UpdatePlan(ctx context.Context, p model.Plan) (model.Plan, error) {
	if err := t.writable(); err != nil {
		return model.Plan{}, err
	}
	cur, ok := t.data.plans[p.ID]
	if !ok {
		return model.Plan{}, store.ErrNotFound
	}
	if cur.Version != p.Version {
		return model.Plan{}, store.ErrConflict
	}
	p.Version++
	p.UpdatedAt = t.now().UTC()
	t.data.plans[p.ID] = p
	return p, nil
}

func (t *memTx) ListPlansDue(ctx context.Context, f store.PlanDueFilter) ([]model.Plan, error) {
	var out []model.Plan
	for _, p := range t.data.plans {
		if p.State == f.State && p.EndAt.Before(f.EndBefore) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Plan) int {
		if c := a.EndAt.Compare(b.EndAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if err := t.writable(); err != nil {
		return model.Order{}, err
	}
	if _, ok := t.data.orders[o.ID]; ok {
		return model.Order{}, store.ErrDuplicate
	}
	if _, ok := t.data.orderNumbers[o.OrderNumber]; ok {
		return model.Order{}, store.ErrDuplicate
	}
	now := t.now().UTC()
	o.Version = 1
	o.CreatedAt, o.UpdatedAt = now, now
	o.Items = slices.Clone(o.Items)
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	t.data.orders[o.ID] = o
	t.data.orderNumbers[o.OrderNumber] = o.ID
	return o, nil
}

func (t *memTx) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	o, ok := t.data.orders[orderID]
	if !ok {
		return model.Order{}, store.ErrNotFound
	}
	o.Items = slices.Clone(o.Items)
	return o, nil
}

// UpdateOrder persists header fields only; items are immutable after creation.
func (t *memTx) UpdateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if err := t.writable(); err != nil {
		return model.Order{}, err
	}
	cur, ok := t.data.orders[o.ID]
	if !ok {
		return model.Order{}, store.ErrNotFound
	}
	if cur.Version != o.Version {
		return model.Order{}, store.ErrConflict
	}
	o.Items = cur.Items
	o.Version++
	o.UpdatedAt = t.now().UTC()
	t.data.orders[o.ID] = o
	return o, nil
}
