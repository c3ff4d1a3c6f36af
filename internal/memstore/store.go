// Package memstore keeps the order, inventory and account tables in process.
// Transactions run one at a time against a private copy of the tables that
// replaces the shared copy only when the transaction function succeeds.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
)

type itemKey struct{ store, item string }

type tables struct {
	accounts    map[string]orders.Account
	owners      map[string]string
	inventory   map[itemKey]orders.InventoryEntry
	active      map[string]orders.Order
	activeLines map[string][]orders.Line
	archived    map[string]orders.Order
}

func newTables() *tables {
	return &tables{
		accounts:    map[string]orders.Account{},
		owners:      map[string]string{},
		inventory:   map[itemKey]orders.InventoryEntry{},
		active:      map[string]orders.Order{},
		activeLines: map[string][]orders.Line{},
		archived:    map[string]orders.Order{},
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.accounts {
		c.accounts[k] = v
	}
	for k, v := range t.owners {
		c.owners[k] = v
	}
	for k, v := range t.inventory {
		c.inventory[k] = v
	}
	for k, v := range t.active {
		c.active[k] = v
	}
	for k, v := range t.activeLines {
		c.activeLines[k] = append([]orders.Line(nil), v...)
	}
	for k, v := range t.archived {
		v.Lines = append([]orders.Line(nil), v.Lines...)
		c.archived[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	t  *tables
}

func New() *Store {
	return &Store{t: newTables()}
}

// Execute implements orders.TransactionScope.
func (s *Store) Execute(ctx context.Context, fn func(orders.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.t.clone()
	if err := fn(&repos{t: tx}); err != nil {
		return err
	}
	s.t = tx
	return nil
}

// AddUser registers an account with a bcrypt credential.
func (s *Store) AddUser(userID, password string, balance int64) error {
	hash, err := orders.HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.accounts[userID] = orders.Account{UserID: userID, Balance: balance, PasswordHash: hash}
	return nil
}

func (s *Store) AddStore(storeID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.owners[storeID] = ownerID
}

// PutItem inserts or replaces a catalog entry.
func (s *Store) PutItem(storeID, itemID string, stock int, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.inventory[itemKey{storeID, itemID}] = orders.InventoryEntry{
		StoreID: storeID, ItemID: itemID, StockLevel: stock, Price: price,
	}
}

// RemoveItem delists an item from a store's catalog.
func (s *Store) RemoveItem(storeID, itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.t.inventory, itemKey{storeID, itemID})
}

func (s *Store) SetPrice(storeID, itemID string, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := itemKey{storeID, itemID}
	e := s.t.inventory[k]
	e.Price = price
	s.t.inventory[k] = e
}

func (s *Store) Balance(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.accounts[userID].Balance
}

func (s *Store) StockLevel(storeID, itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.inventory[itemKey{storeID, itemID}].StockLevel
}

func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.t.active)
}

// Archived returns the archived copy of an order, if any.
func (s *Store) Archived(orderID string) (orders.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.t.archived[orderID]
	return o, ok
}

type repos struct{ t *tables }

func (r *repos) Inventory() orders.InventoryLedger { return inventory{r.t} }
func (r *repos) Accounts() orders.AccountLedger    { return accounts{r.t} }
func (r *repos) Orders() orders.OrderStore         { return orderStore{r.t} }

type inventory struct{ t *tables }

func (i inventory) DecrementIfAvailable(_ context.Context, storeID, itemID string, qty int) (bool, error) {
	k := itemKey{storeID, itemID}
	e, ok := i.t.inventory[k]
	if !ok || e.StockLevel < qty {
		return false, nil
	}
	e.StockLevel -= qty
	i.t.inventory[k] = e
	return true, nil
}

func (i inventory) Increment(_ context.Context, storeID, itemID string, qty int) error {
	k := itemKey{storeID, itemID}
	e, ok := i.t.inventory[k]
	if !ok {
		return orders.ErrRecordNotFound
	}
	e.StockLevel += qty
	i.t.inventory[k] = e
	return nil
}

func (i inventory) Lookup(_ context.Context, storeID, itemID string) (orders.InventoryEntry, error) {
	e, ok := i.t.inventory[itemKey{storeID, itemID}]
	if !ok {
		return orders.InventoryEntry{}, orders.ErrRecordNotFound
	}
	return e, nil
}

func (i inventory) StoreOwner(_ context.Context, storeID string) (string, error) {
	owner, ok := i.t.owners[storeID]
	if !ok {
		return "", orders.ErrRecordNotFound
	}
	return owner, nil
}

type accounts struct{ t *tables }

func (a accounts) DebitIfSufficient(_ context.Context, userID string, amount int64) (bool, error) {
	acct, ok := a.t.accounts[userID]
	if !ok || acct.Balance < amount {
		return false, nil
	}
	acct.Balance -= amount
	a.t.accounts[userID] = acct
	return true, nil
}

func (a accounts) Credit(_ context.Context, userID string, amount int64) (bool, error) {
	acct, ok := a.t.accounts[userID]
	if !ok {
		return false, nil
	}
	acct.Balance += amount
	a.t.accounts[userID] = acct
	return true, nil
}

func (a accounts) Get(_ context.Context, userID string) (orders.Account, error) {
	acct, ok := a.t.accounts[userID]
	if !ok {
		return orders.Account{}, orders.ErrRecordNotFound
	}
	return acct, nil
}

func (a accounts) Exists(_ context.Context, userID string) (bool, error) {
	_, ok := a.t.accounts[userID]
	return ok, nil
}

type orderStore struct{ t *tables }

func (s orderStore) CreateActive(_ context.Context, o orders.Order, lines []orders.Line) error {
	o.Lines = nil
	s.t.active[o.ID] = o
	s.t.activeLines[o.ID] = append([]orders.Line(nil), lines...)
	return nil
}

func (s orderStore) LookupActive(_ context.Context, orderID string) (orders.Order, error) {
	o, ok := s.t.active[orderID]
	if !ok {
		return orders.Order{}, orders.ErrRecordNotFound
	}
	return o, nil
}

func (s orderStore) ActiveLines(_ context.Context, orderID string) ([]orders.Line, error) {
	return append([]orders.Line(nil), s.t.activeLines[orderID]...), nil
}

func (s orderStore) Archive(_ context.Context, orderID string, final orders.State, closedAt int64) error {
	o, ok := s.t.active[orderID]
	if !ok || o.State != orders.StateAwaitingPayment {
		return orders.ErrRecordNotFound
	}
	o.State = final
	o.ClosedAt = closedAt
	o.Lines = append([]orders.Line(nil), s.t.activeLines[orderID]...)
	s.t.archived[orderID] = o
	return nil
}

func (s orderStore) DeleteActive(_ context.Context, orderID string) error {
	delete(s.t.active, orderID)
	delete(s.t.activeLines, orderID)
	return nil
}

func (s orderStore) LookupArchived(_ context.Context, orderID string) (orders.Order, error) {
	o, ok := s.t.archived[orderID]
	if !ok {
		return orders.Order{}, orders.ErrRecordNotFound
	}
	o.Lines = append([]orders.Line(nil), o.Lines...)
	return o, nil
}

func (s orderStore) ActiveExists(_ context.Context, orderID string) (bool, error) {
	_, ok := s.t.active[orderID]
	return ok, nil
}

func (s orderStore) StaleActive(_ context.Context, cutoff int64, limit int) ([]string, error) {
	stale := make([]orders.Order, 0)
	for _, o := range s.t.active {
		if o.CreatedAt < cutoff {
			stale = append(stale, o)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].CreatedAt != stale[j].CreatedAt {
			return stale[i].CreatedAt < stale[j].CreatedAt
		}
		return stale[i].ID < stale[j].ID
	})
	if limit <= 0 {
		limit = 100
	}
	if len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, o := range stale {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

var _ orders.TransactionScope = (*Store)(nil)
