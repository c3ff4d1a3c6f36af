package orders_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-bookstore-orders/internal/memstore"
	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []orders.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev orders.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store  *memstore.Store
	clock  *clock
	events *recordingPublisher
	engine *orders.Engine
}

// newFixture seeds a buyer with 10000, a seller owning store s1, and two items.
func newFixture(t *testing.T, cfg orders.Config) *fixture {
	t.Helper()

	st := memstore.New()
	require.NoError(t, st.AddUser("buyer", "buyer-pw", 10000))
	require.NoError(t, st.AddUser("seller", "seller-pw", 0))
	st.AddStore("s1", "seller")
	st.PutItem("s1", "b1", 10, 100)
	st.PutItem("s1", "b2", 5, 250)

	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	eng := orders.NewEngine(st, cfg, orders.WithClock(c.Now), orders.WithPublisher(pub))
	return &fixture{store: st, clock: c, events: pub, engine: eng}
}

func (f *fixture) create(t *testing.T, lines ...orders.LineRequest) string {
	t.Helper()
	id, err := f.engine.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID: "buyer", StoreID: "s1", Lines: lines,
	})
	require.NoError(t, err)
	return id
}

func codeOf(t *testing.T, err error) int {
	t.Helper()
	var e *orders.Error
	require.True(t, errors.As(err, &e), "expected *orders.Error, got %v", err)
	return e.Code
}

func TestEngine_CreateOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("reserves stock and captures prices", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t,
			orders.LineRequest{ItemID: "b1", Quantity: 3},
			orders.LineRequest{ItemID: "b2", Quantity: 2},
		)

		assert.Contains(t, id, "buyer_s1_")
		assert.Equal(t, 7, f.store.StockLevel("s1", "b1"))
		assert.Equal(t, 3, f.store.StockLevel("s1", "b2"))

		o, err := f.engine.Order(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.StateAwaitingPayment, o.State)
		assert.Equal(t, f.clock.Now().Unix(), o.CreatedAt)
		require.Len(t, o.Lines, 2)
		assert.Equal(t, int64(800), orders.Total(o.Lines))
		assert.Equal(t, []string{orders.EventOrderCreated}, f.events.Types())
	})

	t.Run("unknown buyer", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		_, err := f.engine.CreateOrder(ctx, orders.CreateOrderRequest{
			BuyerID: "ghost", StoreID: "s1", Lines: []orders.LineRequest{{ItemID: "b1", Quantity: 1}},
		})
		assert.Equal(t, orders.CodeNonExistUser, codeOf(t, err))
		assert.ErrorIs(t, err, orders.ErrNotFound)
	})

	t.Run("unknown store", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		_, err := f.engine.CreateOrder(ctx, orders.CreateOrderRequest{
			BuyerID: "buyer", StoreID: "nope", Lines: []orders.LineRequest{{ItemID: "b1", Quantity: 1}},
		})
		assert.Equal(t, orders.CodeNonExistStore, codeOf(t, err))
	})

	t.Run("unknown item rolls back earlier lines", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		_, err := f.engine.CreateOrder(ctx, orders.CreateOrderRequest{
			BuyerID: "buyer", StoreID: "s1", Lines: []orders.LineRequest{
				{ItemID: "b1", Quantity: 2},
				{ItemID: "missing", Quantity: 1},
			},
		})
		assert.Equal(t, orders.CodeNonExistItem, codeOf(t, err))
		assert.Equal(t, 10, f.store.StockLevel("s1", "b1"))
		assert.Zero(t, f.store.ActiveCount())
		assert.Empty(t, f.events.Types())
	})

	t.Run("insufficient stock rolls back earlier lines", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		_, err := f.engine.CreateOrder(ctx, orders.CreateOrderRequest{
			BuyerID: "buyer", StoreID: "s1", Lines: []orders.LineRequest{
				{ItemID: "b1", Quantity: 2},
				{ItemID: "b2", Quantity: 6},
			},
		})
		assert.Equal(t, orders.CodeStockLevelLow, codeOf(t, err))
		assert.ErrorIs(t, err, orders.ErrConflict)
		assert.Equal(t, 10, f.store.StockLevel("s1", "b1"))
		assert.Equal(t, 5, f.store.StockLevel("s1", "b2"))
		assert.Zero(t, f.store.ActiveCount())
	})

	t.Run("rejects malformed requests", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		cases := map[string]orders.CreateOrderRequest{
			"no lines":          {BuyerID: "buyer", StoreID: "s1"},
			"zero quantity":     {BuyerID: "buyer", StoreID: "s1", Lines: []orders.LineRequest{{ItemID: "b1", Quantity: 0}}},
			"missing buyer":     {StoreID: "s1", Lines: []orders.LineRequest{{ItemID: "b1", Quantity: 1}}},
			"quantity overflow": {BuyerID: "buyer", StoreID: "s1", Lines: []orders.LineRequest{{ItemID: "b1", Quantity: math.MaxInt32 + 1}}},
			"duplicate item":    {BuyerID: "buyer", StoreID: "s1", Lines: []orders.LineRequest{{ItemID: "b1", Quantity: 1}, {ItemID: "b1", Quantity: 2}}},
		}
		for name, req := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := f.engine.CreateOrder(ctx, req)
				assert.Equal(t, orders.CodeInvalidArgument, codeOf(t, err))
				assert.ErrorIs(t, err, orders.ErrInvalidArgument)
			})
		}
		assert.Equal(t, 10, f.store.StockLevel("s1", "b1"))
	})

	t.Run("concurrent orders for the last copy", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		f.store.PutItem("s1", "rare", 1, 5000)

		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			oks  int
			lows int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.engine.CreateOrder(ctx, orders.CreateOrderRequest{
					BuyerID: "buyer", StoreID: "s1", Lines: []orders.LineRequest{{ItemID: "rare", Quantity: 1}},
				})
				mu.Lock()
				defer mu.Unlock()
				var e *orders.Error
				switch {
				case err == nil:
					oks++
				case errors.As(err, &e) && e.Code == orders.CodeStockLevelLow:
					lows++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, oks)
		assert.Equal(t, n-1, lows)
		assert.Zero(t, f.store.StockLevel("s1", "rare"))
	})
}

func TestEngine_Pay(t *testing.T) {
	ctx := context.Background()

	t.Run("settles and archives", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 3})

		err := f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id})
		require.NoError(t, err)

		assert.Equal(t, int64(9700), f.store.Balance("buyer"))
		assert.Equal(t, int64(300), f.store.Balance("seller"))
		assert.Zero(t, f.store.ActiveCount())
		o, ok := f.store.Archived(id)
		require.True(t, ok)
		assert.Equal(t, orders.StateAwaitingDelivery, o.State)
		assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderPaid}, f.events.Types())
	})

	t.Run("second payment is rejected", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
		req := orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id}
		require.NoError(t, f.engine.Pay(ctx, req))

		err := f.engine.Pay(ctx, req)
		assert.Equal(t, orders.CodeInvalidOrderID, codeOf(t, err))
		assert.Equal(t, int64(9900), f.store.Balance("buyer"))
		assert.Equal(t, int64(100), f.store.Balance("seller"))
	})

	t.Run("charges the captured price", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b2", Quantity: 2})
		f.store.SetPrice("s1", "b2", 9999)

		require.NoError(t, f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id}))
		assert.Equal(t, int64(500), f.store.Balance("seller"))
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})

		err := f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "guess", OrderID: id})
		assert.Equal(t, orders.CodeAuthorizationFail, codeOf(t, err))
		assert.ErrorIs(t, err, orders.ErrAuthorization)
		assert.Equal(t, 1, f.store.ActiveCount())
		assert.Equal(t, int64(10000), f.store.Balance("buyer"))
	})

	t.Run("someone else's order", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		require.NoError(t, f.store.AddUser("other", "other-pw", 10000))
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})

		err := f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "other", Password: "other-pw", OrderID: id})
		assert.Equal(t, orders.CodeAuthorizationFail, codeOf(t, err))
		assert.Equal(t, int64(10000), f.store.Balance("other"))
	})

	t.Run("insufficient funds leaves everything in place", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		f.store.PutItem("s1", "pricey", 1, 20000)
		id := f.create(t, orders.LineRequest{ItemID: "pricey", Quantity: 1})

		err := f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id})
		assert.Equal(t, orders.CodeNotSufficientFunds, codeOf(t, err))
		assert.Equal(t, int64(10000), f.store.Balance("buyer"))
		assert.Zero(t, f.store.Balance("seller"))

		o, err := f.engine.Order(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.StateAwaitingPayment, o.State)
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		err := f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: "nope"})
		assert.Equal(t, orders.CodeInvalidOrderID, codeOf(t, err))
	})

	t.Run("expired order is archived and not charged", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 2})
		f.clock.Advance(orders.DefaultOrderTimeout + time.Second)

		err := f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id})
		assert.Equal(t, orders.CodeOrderTimeout, codeOf(t, err))
		assert.ErrorIs(t, err, orders.ErrExpired)

		assert.Equal(t, int64(10000), f.store.Balance("buyer"))
		o, ok := f.store.Archived(id)
		require.True(t, ok)
		assert.Equal(t, orders.StateExpired, o.State)
		assert.Equal(t, 8, f.store.StockLevel("s1", "b1"))
		assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderExpired}, f.events.Types())

		err = f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id})
		assert.Equal(t, orders.CodeInvalidOrderID, codeOf(t, err))
	})

	t.Run("exactly at the deadline is still payable", func(t *testing.T) {
		f := newFixture(t, orders.Config{OrderTimeout: time.Minute})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
		f.clock.Advance(time.Minute)

		require.NoError(t, f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id}))
	})
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels without restock by default", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 4})

		require.NoError(t, f.engine.Cancel(ctx, orders.CancelRequest{BuyerID: "buyer", OrderID: id}))
		o, ok := f.store.Archived(id)
		require.True(t, ok)
		assert.Equal(t, orders.StateCancelled, o.State)
		assert.Equal(t, 6, f.store.StockLevel("s1", "b1"))
		assert.Equal(t, int64(10000), f.store.Balance("buyer"))
	})

	t.Run("restocks when configured", func(t *testing.T) {
		f := newFixture(t, orders.Config{RestockOnRelease: true})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 4}, orders.LineRequest{ItemID: "b2", Quantity: 1})

		require.NoError(t, f.engine.Cancel(ctx, orders.CancelRequest{BuyerID: "buyer", OrderID: id}))
		assert.Equal(t, 10, f.store.StockLevel("s1", "b1"))
		assert.Equal(t, 5, f.store.StockLevel("s1", "b2"))
	})

	t.Run("paid order cannot be cancelled", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
		require.NoError(t, f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id}))

		err := f.engine.Cancel(ctx, orders.CancelRequest{BuyerID: "buyer", OrderID: id})
		assert.Equal(t, orders.CodeInvalidOrderID, codeOf(t, err))
		assert.Equal(t, int64(9900), f.store.Balance("buyer"))
		o, _ := f.store.Archived(id)
		assert.Equal(t, orders.StateAwaitingDelivery, o.State)
	})

	t.Run("unknown buyer", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
		err := f.engine.Cancel(ctx, orders.CancelRequest{BuyerID: "ghost", OrderID: id})
		assert.Equal(t, orders.CodeNonExistUser, codeOf(t, err))
	})

	t.Run("other buyer", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		require.NoError(t, f.store.AddUser("other", "other-pw", 0))
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})

		err := f.engine.Cancel(ctx, orders.CancelRequest{BuyerID: "other", OrderID: id})
		assert.Equal(t, orders.CodeAuthorizationFail, codeOf(t, err))
		assert.Equal(t, 1, f.store.ActiveCount())
	})

	t.Run("expired order is archived as expired", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
		f.clock.Advance(orders.DefaultOrderTimeout + time.Second)

		err := f.engine.Cancel(ctx, orders.CancelRequest{BuyerID: "buyer", OrderID: id})
		assert.Equal(t, orders.CodeOrderTimeout, codeOf(t, err))
		o, ok := f.store.Archived(id)
		require.True(t, ok)
		assert.Equal(t, orders.StateExpired, o.State)
	})
}

func TestEngine_ExpireStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orders.Config{OrderTimeout: time.Minute, RestockOnRelease: true})

	old1 := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
	old2 := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 2})
	f.clock.Advance(50 * time.Second)
	fresh := f.create(t, orders.LineRequest{ItemID: "b2", Quantity: 1})
	f.clock.Advance(11 * time.Second)

	n, err := f.engine.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{old1, old2} {
		o, ok := f.store.Archived(id)
		require.True(t, ok)
		assert.Equal(t, orders.StateExpired, o.State)
	}
	o, err := f.engine.Order(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, orders.StateAwaitingPayment, o.State)
	assert.Equal(t, 10, f.store.StockLevel("s1", "b1"))

	n, err = f.engine.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_Funds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orders.Config{})

	require.NoError(t, f.engine.AddFunds(ctx, orders.AddFundsRequest{UserID: "buyer", Password: "buyer-pw", Amount: 500}))
	bal, err := f.engine.Balance(ctx, "buyer", "buyer-pw")
	require.NoError(t, err)
	assert.Equal(t, int64(10500), bal)

	err = f.engine.AddFunds(ctx, orders.AddFundsRequest{UserID: "buyer", Password: "nope", Amount: 500})
	assert.Equal(t, orders.CodeAuthorizationFail, codeOf(t, err))

	err = f.engine.AddFunds(ctx, orders.AddFundsRequest{UserID: "ghost", Password: "x", Amount: 500})
	assert.Equal(t, orders.CodeAuthorizationFail, codeOf(t, err))

	err = f.engine.AddFunds(ctx, orders.AddFundsRequest{UserID: "buyer", Password: "buyer-pw", Amount: -5})
	assert.Equal(t, orders.CodeInvalidArgument, codeOf(t, err))

	assert.Equal(t, int64(10500), f.store.Balance("buyer"))
}

func TestEngine_Stock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orders.Config{})

	e, err := f.engine.Stock(ctx, "s1", "b2")
	require.NoError(t, err)
	assert.Equal(t, 5, e.StockLevel)
	assert.Equal(t, int64(250), e.Price)

	_, err = f.engine.Stock(ctx, "s1", "nope")
	assert.Equal(t, orders.CodeNonExistItem, codeOf(t, err))
	_, err = f.engine.Stock(ctx, "nope", "b1")
	assert.Equal(t, orders.CodeNonExistStore, codeOf(t, err))
}

type failingScope struct{ err error }

func (s failingScope) Execute(context.Context, func(orders.Repositories) error) error { return s.err }

type panickingScope struct{}

func (panickingScope) Execute(context.Context, func(orders.Repositories) error) error {
	panic("boom")
}

func TestEngine_InternalFailures(t *testing.T) {
	ctx := context.Background()
	req := orders.CreateOrderRequest{BuyerID: "buyer", StoreID: "s1", Lines: []orders.LineRequest{{ItemID: "b1", Quantity: 1}}}

	t.Run("storage errors are wrapped", func(t *testing.T) {
		cause := errors.New("connection reset")
		eng := orders.NewEngine(failingScope{err: cause}, orders.Config{})
		_, err := eng.CreateOrder(ctx, req)

		assert.ErrorIs(t, err, orders.ErrStorage)
		assert.ErrorIs(t, err, cause)
		assert.True(t, orders.Retryable(err))
		out := orders.OutcomeOf("", err)
		assert.Equal(t, orders.CodeStorageFailure, out.Code)
		assert.NotContains(t, out.Message, "connection reset")
	})

	t.Run("panics become unexpected errors", func(t *testing.T) {
		eng := orders.NewEngine(panickingScope{}, orders.Config{})
		_, err := eng.CreateOrder(ctx, req)

		assert.ErrorIs(t, err, orders.ErrUnexpected)
		assert.False(t, orders.Retryable(err))
		assert.Equal(t, orders.CodeUnexpected, orders.OutcomeOf("", err).Code)
	})
}

func TestEngine_BuyAndSettleScenario(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.AddUser("U", "pw", 100))
	require.NoError(t, st.AddUser("owner", "pw", 0))
	st.AddStore("S", "owner")
	st.PutItem("S", "X", 5, 20)
	eng := orders.NewEngine(st, orders.Config{})

	id, err := eng.CreateOrder(ctx, orders.CreateOrderRequest{
		BuyerID: "U", StoreID: "S", Lines: []orders.LineRequest{{ItemID: "X", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, st.StockLevel("S", "X"))

	o, err := eng.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orders.StateAwaitingPayment, o.State)

	require.NoError(t, eng.Pay(ctx, orders.PaymentRequest{BuyerID: "U", Password: "pw", OrderID: id}))
	assert.Equal(t, int64(60), st.Balance("U"))
	assert.Equal(t, int64(40), st.Balance("owner"))

	o, err = eng.Order(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orders.StateAwaitingDelivery, o.State)

	err = eng.Pay(ctx, orders.PaymentRequest{BuyerID: "U", Password: "pw", OrderID: id})
	assert.ErrorIs(t, err, orders.ErrNotFound)
	assert.Equal(t, orders.CodeInvalidOrderID, orders.OutcomeOf(id, err).Code)
}

// faultyScope runs on a memstore but lets a test swap in failing ledgers.
type faultyScope struct {
	store *memstore.Store
	wrap  func(orders.Repositories) orders.Repositories
}

func (s faultyScope) Execute(ctx context.Context, fn func(orders.Repositories) error) error {
	return s.store.Execute(ctx, func(r orders.Repositories) error { return fn(s.wrap(r)) })
}

type faultyRepos struct {
	orders.Repositories
	ledger orders.AccountLedger
	store  orders.OrderStore
}

func (r faultyRepos) Accounts() orders.AccountLedger {
	if r.ledger != nil {
		return r.ledger
	}
	return r.Repositories.Accounts()
}

func (r faultyRepos) Orders() orders.OrderStore {
	if r.store != nil {
		return r.store
	}
	return r.Repositories.Orders()
}

type failingCredit struct {
	orders.AccountLedger
	calls *[]string
}

func (a failingCredit) DebitIfSufficient(ctx context.Context, userID string, amount int64) (bool, error) {
	*a.calls = append(*a.calls, "debit:"+userID)
	return a.AccountLedger.DebitIfSufficient(ctx, userID, amount)
}

func (a failingCredit) Credit(_ context.Context, userID string, _ int64) (bool, error) {
	*a.calls = append(*a.calls, "credit:"+userID)
	return false, errors.New("connection reset")
}

type recordingAccounts struct {
	orders.AccountLedger
	calls *[]string
}

func (a recordingAccounts) DebitIfSufficient(ctx context.Context, userID string, amount int64) (bool, error) {
	*a.calls = append(*a.calls, "debit:"+userID)
	return a.AccountLedger.DebitIfSufficient(ctx, userID, amount)
}

func (a recordingAccounts) Credit(ctx context.Context, userID string, amount int64) (bool, error) {
	*a.calls = append(*a.calls, "credit:"+userID)
	return a.AccountLedger.Credit(ctx, userID, amount)
}

type failingArchive struct {
	orders.OrderStore
	orderID string
}

func (s failingArchive) Archive(ctx context.Context, orderID string, final orders.State, closedAt int64) error {
	if orderID == s.orderID {
		return errors.New("disk full")
	}
	return s.OrderStore.Archive(ctx, orderID, final, closedAt)
}

func TestEngine_PayFailureAfterDebitLeavesNoEffect(t *testing.T) {
	ctx := context.Background()

	t.Run("credit fails", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 3})

		var calls []string
		scope := faultyScope{store: f.store, wrap: func(r orders.Repositories) orders.Repositories {
			return faultyRepos{Repositories: r, ledger: failingCredit{AccountLedger: r.Accounts(), calls: &calls}}
		}}
		eng := orders.NewEngine(scope, orders.Config{}, orders.WithClock(f.clock.Now), orders.WithPublisher(f.events))

		err := eng.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id})
		assert.Equal(t, orders.CodeStorageFailure, codeOf(t, err))
		assert.Equal(t, []string{"debit:buyer", "credit:seller"}, calls)

		assert.Equal(t, int64(10000), f.store.Balance("buyer"))
		assert.Zero(t, f.store.Balance("seller"))
		o, err := f.engine.Order(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.StateAwaitingPayment, o.State)
		assert.Equal(t, []string{orders.EventOrderCreated}, f.events.Types())
	})

	t.Run("archive fails", func(t *testing.T) {
		f := newFixture(t, orders.Config{})
		id := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 3})

		scope := faultyScope{store: f.store, wrap: func(r orders.Repositories) orders.Repositories {
			return faultyRepos{Repositories: r, store: failingArchive{OrderStore: r.Orders(), orderID: id}}
		}}
		eng := orders.NewEngine(scope, orders.Config{}, orders.WithClock(f.clock.Now), orders.WithPublisher(f.events))

		err := eng.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: id})
		assert.Equal(t, orders.CodeStorageFailure, codeOf(t, err))

		assert.Equal(t, int64(10000), f.store.Balance("buyer"))
		assert.Zero(t, f.store.Balance("seller"))
		assert.Equal(t, 1, f.store.ActiveCount())
		_, archived := f.store.Archived(id)
		assert.False(t, archived)
		assert.Equal(t, []string{orders.EventOrderCreated}, f.events.Types())
	})
}

func TestEngine_PayTouchesBalancesInUserOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orders.Config{})
	require.NoError(t, f.store.AddUser("zed", "zed-pw", 1000))
	id, err := f.engine.CreateOrder(ctx, orders.CreateOrderRequest{
		BuyerID: "zed", StoreID: "s1", Lines: []orders.LineRequest{{ItemID: "b1", Quantity: 1}},
	})
	require.NoError(t, err)

	var calls []string
	scope := faultyScope{store: f.store, wrap: func(r orders.Repositories) orders.Repositories {
		return faultyRepos{Repositories: r, ledger: recordingAccounts{AccountLedger: r.Accounts(), calls: &calls}}
	}}
	eng := orders.NewEngine(scope, orders.Config{}, orders.WithClock(f.clock.Now))

	require.NoError(t, eng.Pay(ctx, orders.PaymentRequest{BuyerID: "zed", Password: "zed-pw", OrderID: id}))
	assert.Equal(t, []string{"credit:seller", "debit:zed"}, calls)
	assert.Equal(t, int64(900), f.store.Balance("zed"))
	assert.Equal(t, int64(100), f.store.Balance("seller"))
}

func TestEngine_CreateOrderLocksItemsInOrder(t *testing.T) {
	f := newFixture(t, orders.Config{})
	id := f.create(t,
		orders.LineRequest{ItemID: "b2", Quantity: 1},
		orders.LineRequest{ItemID: "b1", Quantity: 2},
	)

	o, err := f.engine.Order(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, o.Lines, 2)
	assert.Equal(t, "b1", o.Lines[0].ItemID)
	assert.Equal(t, "b2", o.Lines[1].ItemID)
	assert.Equal(t, int64(450), orders.Total(o.Lines))
}

func TestEngine_RestockSkipsDelistedItems(t *testing.T) {
	ctx := context.Background()
	cfg := orders.Config{RestockOnRelease: true}

	t.Run("cancel and pay of an expired order", func(t *testing.T) {
		f := newFixture(t, cfg)
		toCancel := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1}, orders.LineRequest{ItemID: "b2", Quantity: 1})
		toPay := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
		f.store.RemoveItem("s1", "b1")
		f.clock.Advance(orders.DefaultOrderTimeout + time.Second)

		err := f.engine.Cancel(ctx, orders.CancelRequest{BuyerID: "buyer", OrderID: toCancel})
		assert.Equal(t, orders.CodeOrderTimeout, codeOf(t, err))
		err = f.engine.Pay(ctx, orders.PaymentRequest{BuyerID: "buyer", Password: "buyer-pw", OrderID: toPay})
		assert.Equal(t, orders.CodeOrderTimeout, codeOf(t, err))

		for _, id := range []string{toCancel, toPay} {
			o, ok := f.store.Archived(id)
			require.True(t, ok)
			assert.Equal(t, orders.StateExpired, o.State)
		}
		assert.Equal(t, 5, f.store.StockLevel("s1", "b2"))
	})

	t.Run("sweep expires every stale order", func(t *testing.T) {
		f := newFixture(t, cfg)
		delisted := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
		healthy := f.create(t, orders.LineRequest{ItemID: "b2", Quantity: 2})
		f.store.RemoveItem("s1", "b1")
		f.clock.Advance(orders.DefaultOrderTimeout + time.Second)

		n, err := f.engine.ExpireStale(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		for _, id := range []string{delisted, healthy} {
			_, ok := f.store.Archived(id)
			assert.True(t, ok)
		}
		assert.Zero(t, f.store.ActiveCount())
		assert.Equal(t, 5, f.store.StockLevel("s1", "b2"))
	})
}

func TestEngine_ExpireStaleSkipsFailingOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orders.Config{})
	first := f.create(t, orders.LineRequest{ItemID: "b1", Quantity: 1})
	f.clock.Advance(time.Second)
	second := f.create(t, orders.LineRequest{ItemID: "b2", Quantity: 1})
	f.clock.Advance(orders.DefaultOrderTimeout + time.Second)

	scope := faultyScope{store: f.store, wrap: func(r orders.Repositories) orders.Repositories {
		return faultyRepos{Repositories: r, store: failingArchive{OrderStore: r.Orders(), orderID: first}}
	}}
	eng := orders.NewEngine(scope, orders.Config{}, orders.WithClock(f.clock.Now), orders.WithPublisher(f.events))

	n, err := eng.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := f.store.Archived(first)
	assert.False(t, ok)
	o, ok := f.store.Archived(second)
	require.True(t, ok)
	assert.Equal(t, orders.StateExpired, o.State)
	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderCreated, orders.EventOrderExpired}, f.events.Types())
}
