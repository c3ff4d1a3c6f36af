package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// DefaultOrderTimeout is the payment window used when Config leaves it unset.
const DefaultOrderTimeout = 10 * time.Minute

type Config struct {
	// OrderTimeout is the payment window measured from order creation.
	OrderTimeout time.Duration
	// RestockOnRelease returns the stock of cancelled and expired orders to the
	// inventory, inside the transaction that archives them.
	RestockOnRelease bool
}

// Engine drives the order lifecycle: creation, payment, cancellation and
// expiry. Every operation is one TransactionScope.Execute call; events are
// published only after that call commits.
type Engine struct {
	scope    TransactionScope
	cfg      Config
	events   EventPublisher
	log      *zap.Logger
	validate *validatorv10.Validate
	now      func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func NewEngine(scope TransactionScope, cfg Config, opts ...Option) *Engine {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultOrderTimeout
	}
	e := &Engine{
		scope:    scope,
		cfg:      cfg,
		events:   nopPublisher{},
		log:      zap.NewNop(),
		validate: NewValidator(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) OrderTimeout() time.Duration { return e.cfg.OrderTimeout }

// CreateOrder reserves stock for every line and records a new awaiting_payment
// order. Either every line is reserved and the order stored, or nothing changes.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (string, error) {
	if err := e.validate.Struct(req); err != nil {
		return "", errInvalidArgument(validationMessage(err))
	}

	orderID := NewOrderID(req.BuyerID, req.StoreID)
	now := e.now()
	order := Order{
		ID:        orderID,
		BuyerID:   req.BuyerID,
		StoreID:   req.StoreID,
		State:     StateAwaitingPayment,
		CreatedAt: now.Unix(),
	}

	err := e.run(ctx, "create_order", orderID, func(r Repositories) error {
		ok, err := r.Accounts().Exists(ctx, req.BuyerID)
		if err != nil {
			return err
		}
		if !ok {
			return errNonExistUser(req.BuyerID)
		}
		if _, err := r.Inventory().StoreOwner(ctx, req.StoreID); err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return errNonExistStore(req.StoreID)
			}
			return err
		}

		// rows are locked in item order so overlapping orders cannot deadlock
		reqLines := slices.Clone(req.Lines)
		slices.SortFunc(reqLines, func(a, b LineRequest) int { return strings.Compare(a.ItemID, b.ItemID) })

		lines := make([]Line, 0, len(reqLines))
		for _, l := range reqLines {
			// decrement first: it holds the row, so the price read below is the
			// one in force when the stock was taken
			reserved, err := r.Inventory().DecrementIfAvailable(ctx, req.StoreID, l.ItemID, l.Quantity)
			if err != nil {
				return err
			}
			entry, err := r.Inventory().Lookup(ctx, req.StoreID, l.ItemID)
			if errors.Is(err, ErrRecordNotFound) {
				return errNonExistItem(l.ItemID)
			}
			if err != nil {
				return err
			}
			if !reserved {
				return errStockLevelLow(l.ItemID)
			}
			lines = append(lines, Line{OrderID: orderID, ItemID: l.ItemID, Quantity: l.Quantity, Price: entry.Price})
		}
		order.Lines = lines
		return r.Orders().CreateActive(ctx, order, lines)
	})
	if err != nil {
		return "", err
	}

	e.log.Info("order created",
		zap.String("order_id", orderID),
		zap.String("buyer_id", req.BuyerID),
		zap.String("store_id", req.StoreID),
		zap.Int("lines", len(order.Lines)),
	)
	e.publish(ctx, Event{
		Type:       EventOrderCreated,
		OrderID:    orderID,
		BuyerID:    order.BuyerID,
		StoreID:    order.StoreID,
		State:      StateAwaitingPayment,
		TotalCents: Total(order.Lines),
		Lines:      order.Lines,
		OccurredAt: now,
	})
	return orderID, nil
}

// Pay settles an active order: the buyer is debited, the store owner credited
// and the order archived as awaiting_delivery, all in one transaction. An order
// past its payment window is archived as expired instead and ErrExpired is
// returned, before any credential or balance is looked at.
func (e *Engine) Pay(ctx context.Context, req PaymentRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return errInvalidArgument(validationMessage(err))
	}

	now := e.now()
	var (
		ev      Event
		expired bool
	)
	err := e.run(ctx, "payment", req.OrderID, func(r Repositories) error {
		o, err := r.Orders().LookupActive(ctx, req.OrderID)
		if errors.Is(err, ErrRecordNotFound) {
			return errInvalidOrderID(req.OrderID)
		}
		if err != nil {
			return err
		}
		if o.BuyerID != req.BuyerID {
			return errAuthorizationFail()
		}

		if Expired(o.CreatedAt, now, e.cfg.OrderTimeout) {
			expired = true
			ev, err = e.release(ctx, r, o, StateExpired, now)
			return err
		}

		if err := e.authenticate(ctx, r, req.BuyerID, req.Password); err != nil {
			return err
		}

		sellerID, err := r.Inventory().StoreOwner(ctx, o.StoreID)
		if errors.Is(err, ErrRecordNotFound) {
			return errNonExistStore(o.StoreID)
		}
		if err != nil {
			return err
		}
		ok, err := r.Accounts().Exists(ctx, sellerID)
		if err != nil {
			return err
		}
		if !ok {
			return errNonExistUser(sellerID)
		}

		lines, err := r.Orders().ActiveLines(ctx, o.ID)
		if err != nil {
			return err
		}
		total := Total(lines)

		if err := e.settle(ctx, r, o.ID, req.BuyerID, sellerID, total); err != nil {
			return err
		}

		if err := e.archive(ctx, r, o.ID, StateAwaitingDelivery, now); err != nil {
			return err
		}
		ev = Event{
			Type:       EventOrderPaid,
			OrderID:    o.ID,
			BuyerID:    o.BuyerID,
			StoreID:    o.StoreID,
			State:      StateAwaitingDelivery,
			TotalCents: total,
			Lines:      lines,
			OccurredAt: now,
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.publish(ctx, ev)
	if expired {
		e.log.Info("order expired on payment", zap.String("order_id", req.OrderID))
		return errOrderTimeout(req.OrderID)
	}
	e.log.Info("order paid", zap.String("order_id", req.OrderID), zap.Int64("total_cents", ev.TotalCents))
	return nil
}

// Cancel archives an awaiting_payment order of the requesting buyer as
// cancelled. An order already past its window is archived as expired and
// ErrExpired is returned.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return errInvalidArgument(validationMessage(err))
	}

	now := e.now()
	var (
		ev      Event
		expired bool
	)
	err := e.run(ctx, "cancel_order", req.OrderID, func(r Repositories) error {
		ok, err := r.Accounts().Exists(ctx, req.BuyerID)
		if err != nil {
			return err
		}
		if !ok {
			return errNonExistUser(req.BuyerID)
		}
		ok, err = r.Orders().ActiveExists(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			return errInvalidOrderID(req.OrderID)
		}
		o, err := r.Orders().LookupActive(ctx, req.OrderID)
		if errors.Is(err, ErrRecordNotFound) {
			return errInvalidOrderID(req.OrderID)
		}
		if err != nil {
			return err
		}
		if o.BuyerID != req.BuyerID {
			return errAuthorizationFail()
		}
		if !CanTransition(o.State, StateCancelled) {
			return errInvalidOrderID(req.OrderID)
		}

		final := StateCancelled
		if Expired(o.CreatedAt, now, e.cfg.OrderTimeout) {
			expired = true
			final = StateExpired
		}
		ev, err = e.release(ctx, r, o, final, now)
		return err
	})
	if err != nil {
		return err
	}

	e.publish(ctx, ev)
	if expired {
		return errOrderTimeout(req.OrderID)
	}
	e.log.Info("order cancelled", zap.String("order_id", req.OrderID))
	return nil
}

// AddFunds credits an authenticated user's balance.
func (e *Engine) AddFunds(ctx context.Context, req AddFundsRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return errInvalidArgument(validationMessage(err))
	}

	return e.run(ctx, "add_funds", "", func(r Repositories) error {
		if err := e.authenticate(ctx, r, req.UserID, req.Password); err != nil {
			return err
		}
		ok, err := r.Accounts().Credit(ctx, req.UserID, req.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return errAuthorizationFail()
		}
		return nil
	})
}

// Balance returns an authenticated user's balance.
func (e *Engine) Balance(ctx context.Context, userID, password string) (int64, error) {
	var balance int64
	err := e.run(ctx, "balance", "", func(r Repositories) error {
		if err := e.authenticate(ctx, r, userID, password); err != nil {
			return err
		}
		acct, err := r.Accounts().Get(ctx, userID)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	return balance, err
}

func (e *Engine) Stock(ctx context.Context, storeID, itemID string) (InventoryEntry, error) {
	var entry InventoryEntry
	err := e.run(ctx, "stock", "", func(r Repositories) error {
		var err error
		entry, err = r.Inventory().Lookup(ctx, storeID, itemID)
		if errors.Is(err, ErrRecordNotFound) {
			if _, serr := r.Inventory().StoreOwner(ctx, storeID); errors.Is(serr, ErrRecordNotFound) {
				return errNonExistStore(storeID)
			}
			return errNonExistItem(itemID)
		}
		return err
	})
	return entry, err
}

// Order returns an order with its lines from either partition.
func (e *Engine) Order(ctx context.Context, orderID string) (Order, error) {
	var out Order
	err := e.run(ctx, "lookup_order", orderID, func(r Repositories) error {
		o, err := r.Orders().LookupActive(ctx, orderID)
		if err == nil {
			o.Lines, err = r.Orders().ActiveLines(ctx, orderID)
			out = o
			return err
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		o, err = r.Orders().LookupArchived(ctx, orderID)
		if errors.Is(err, ErrRecordNotFound) {
			return errInvalidOrderID(orderID)
		}
		out = o
		return err
	})
	return out, err
}

// ExpireStale archives up to limit active orders whose payment window has
// elapsed, each in its own transaction. It returns how many were expired; an
// order that fails is logged and skipped.
func (e *Engine) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := e.now()
	cutoff := now.Unix() - int64(e.cfg.OrderTimeout/time.Second)

	var ids []string
	err := e.run(ctx, "list_stale", "", func(r Repositories) error {
		var err error
		ids, err = r.Orders().StaleActive(ctx, cutoff, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var (
			ev   Event
			done bool
		)
		err := e.run(ctx, "expire_order", id, func(r Repositories) error {
			o, err := r.Orders().LookupActive(ctx, id)
			if errors.Is(err, ErrRecordNotFound) {
				return nil // settled or cancelled meanwhile
			}
			if err != nil {
				return err
			}
			if !Expired(o.CreatedAt, now, e.cfg.OrderTimeout) {
				return nil
			}
			ev, err = e.release(ctx, r, o, StateExpired, now)
			done = err == nil
			return err
		})
		if err != nil {
			e.log.Warn("expire order skipped", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if done {
			n++
			e.publish(ctx, ev)
		}
	}
	if n > 0 {
		e.log.Info("expired stale orders", zap.Int("count", n))
	}
	return n, nil
}

// settle moves total from buyer to seller. The two balance rows are touched
// in user id order so buyers paying each other cannot deadlock.
func (e *Engine) settle(ctx context.Context, r Repositories, orderID, buyerID, sellerID string, total int64) error {
	debit := func() error {
		ok, err := r.Accounts().DebitIfSufficient(ctx, buyerID, total)
		if err != nil {
			return err
		}
		if !ok {
			return errNotSufficientFunds(orderID)
		}
		return nil
	}
	credit := func() error {
		ok, err := r.Accounts().Credit(ctx, sellerID, total)
		if err != nil {
			return err
		}
		if !ok {
			return errNonExistUser(sellerID)
		}
		return nil
	}
	if sellerID < buyerID {
		if err := credit(); err != nil {
			return err
		}
		return debit()
	}
	if err := debit(); err != nil {
		return err
	}
	return credit()
}

// release archives o with a final state other than paid, restocking its lines
// when configured.
func (e *Engine) release(ctx context.Context, r Repositories, o Order, final State, now time.Time) (Event, error) {
	lines, err := r.Orders().ActiveLines(ctx, o.ID)
	if err != nil {
		return Event{}, err
	}
	if err := e.archive(ctx, r, o.ID, final, now); err != nil {
		return Event{}, err
	}
	if e.cfg.RestockOnRelease {
		for _, l := range lines {
			err := r.Inventory().Increment(ctx, o.StoreID, l.ItemID, l.Quantity)
			if errors.Is(err, ErrRecordNotFound) {
				e.log.Warn("restock skipped, item no longer listed",
					zap.String("order_id", o.ID),
					zap.String("store_id", o.StoreID),
					zap.String("item_id", l.ItemID),
				)
				continue
			}
			if err != nil {
				return Event{}, err
			}
		}
	}
	typ := EventOrderCancelled
	if final == StateExpired {
		typ = EventOrderExpired
	}
	return Event{
		Type:       typ,
		OrderID:    o.ID,
		BuyerID:    o.BuyerID,
		StoreID:    o.StoreID,
		State:      final,
		TotalCents: Total(lines),
		Lines:      lines,
		OccurredAt: now,
	}, nil
}

func (e *Engine) archive(ctx context.Context, r Repositories, orderID string, final State, now time.Time) error {
	if !CanTransition(StateAwaitingPayment, final) {
		return errUnexpected(fmt.Errorf("illegal transition to %s", final))
	}
	if err := r.Orders().Archive(ctx, orderID, final, now.Unix()); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return errInvalidOrderID(orderID)
		}
		return err
	}
	return r.Orders().DeleteActive(ctx, orderID)
}

func (e *Engine) authenticate(ctx context.Context, r Repositories, userID, password string) error {
	acct, err := r.Accounts().Get(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return errAuthorizationFail()
	}
	if err != nil {
		return err
	}
	ok, err := CheckPassword(acct.PasswordHash, password)
	if err != nil {
		return errUnexpected(err)
	}
	if !ok {
		return errAuthorizationFail()
	}
	return nil
}

// run executes fn in one transaction and folds every failure into *Error.
// Storage and unexpected failures are logged here with their cause.
func (e *Engine) run(ctx context.Context, op, orderID string, fn func(Repositories) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = e.internal(op, orderID, errUnexpected(fmt.Errorf("panic: %v", p)))
		}
	}()

	err = e.scope.Execute(ctx, fn)
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		if be.Kind == KindStorage || be.Kind == KindUnexpected {
			return e.internal(op, orderID, be)
		}
		e.log.Debug("request rejected",
			zap.String("op", op),
			zap.String("order_id", orderID),
			zap.Int("code", be.Code),
			zap.String("reason", be.Message),
		)
		return be
	}
	return e.internal(op, orderID, errStorage(err))
}

func (e *Engine) internal(op, orderID string, err *Error) *Error {
	e.log.Error("order operation failed",
		zap.String("op", op),
		zap.String("order_id", orderID),
		zap.String("kind", err.Kind.String()),
		zap.Error(err.Err),
	)
	return err
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if ev.Type == "" {
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Warn("publish event",
			zap.String("event_type", ev.Type),
			zap.String("order_id", ev.OrderID),
			zap.Error(err),
		)
	}
}
