package orders

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnexpected Kind = iota
	KindNotFound
	KindConflict
	KindAuthorization
	KindExpired
	KindInvalidArgument
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization_failed"
	case KindExpired:
		return "expired"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindStorage:
		return "storage_failure"
	default:
		return "unexpected"
	}
}

// Outcome codes. Kept stable for callers that branch on them.
const (
	CodeOK                  = 200
	CodeInvalidArgument     = 400
	CodeAuthorizationFail   = 401
	CodeNonExistUser        = 511
	CodeNonExistStore       = 512
	CodeNonExistItem        = 513
	CodeStockLevelLow       = 517
	CodeInvalidOrderID      = 518
	CodeNotSufficientFunds  = 519
	CodeOrderTimeout        = 520
	CodeStorageFailure      = 528
	CodeUnexpected          = 530
	internalErrorMessage    = "internal error"
	authorizationFailureMsg = "authorization fail."
)

// Error is the only error type the Engine returns.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error // cause, never rendered into an Outcome
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, orders.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == 0 && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict        = &Error{Kind: KindConflict, Message: "conflict"}
	ErrAuthorization   = &Error{Kind: KindAuthorization, Message: "authorization failed"}
	ErrExpired         = &Error{Kind: KindExpired, Message: "expired"}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrStorage         = &Error{Kind: KindStorage, Message: "storage failure"}
	ErrUnexpected      = &Error{Kind: KindUnexpected, Message: "unexpected"}
)

// ErrRecordNotFound is returned by store implementations when a row is absent.
var ErrRecordNotFound = errors.New("record not found")

func errNonExistUser(userID string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNonExistUser, Message: fmt.Sprintf("non exist user id %s", userID)}
}

func errNonExistStore(storeID string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNonExistStore, Message: fmt.Sprintf("non exist store id %s", storeID)}
}

func errNonExistItem(itemID string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNonExistItem, Message: fmt.Sprintf("non exist book id %s", itemID)}
}

func errStockLevelLow(itemID string) *Error {
	return &Error{Kind: KindConflict, Code: CodeStockLevelLow, Message: fmt.Sprintf("stock level low, book id %s", itemID)}
}

func errInvalidOrderID(orderID string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeInvalidOrderID, Message: fmt.Sprintf("invalid order id %s", orderID)}
}

func errNotSufficientFunds(orderID string) *Error {
	return &Error{Kind: KindConflict, Code: CodeNotSufficientFunds, Message: fmt.Sprintf("not sufficient funds, order id %s", orderID)}
}

func errOrderTimeout(orderID string) *Error {
	return &Error{Kind: KindExpired, Code: CodeOrderTimeout, Message: fmt.Sprintf("order %s timed out", orderID)}
}

func errAuthorizationFail() *Error {
	return &Error{Kind: KindAuthorization, Code: CodeAuthorizationFail, Message: authorizationFailureMsg}
}

func errInvalidArgument(err error) *Error {
	return &Error{Kind: KindInvalidArgument, Code: CodeInvalidArgument, Message: "invalid argument", Err: err}
}

func errStorage(err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeStorageFailure, Message: "storage failure", Err: err}
}

func errUnexpected(err error) *Error {
	return &Error{Kind: KindUnexpected, Code: CodeUnexpected, Message: "unexpected failure", Err: err}
}

// Outcome is what a request-handling layer hands back to its client.
type Outcome struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	OrderID string `json:"order_id,omitempty"`
}

func (o Outcome) OK() bool { return o.Code == CodeOK }

// OutcomeOf renders err into an Outcome. Storage and unexpected failures never
// expose their cause. orderID is only carried on success.
func OutcomeOf(orderID string, err error) Outcome {
	if err == nil {
		return Outcome{Code: CodeOK, Message: "ok", OrderID: orderID}
	}
	var e *Error
	if !errors.As(err, &e) {
		return Outcome{Code: CodeUnexpected, Message: internalErrorMessage}
	}
	switch e.Kind {
	case KindStorage:
		return Outcome{Code: CodeStorageFailure, Message: internalErrorMessage}
	case KindUnexpected:
		return Outcome{Code: CodeUnexpected, Message: internalErrorMessage}
	case KindInvalidArgument:
		return Outcome{Code: CodeInvalidArgument, Message: e.Error()}
	}
	code := e.Code
	if code == 0 {
		code = CodeUnexpected
	}
	return Outcome{Code: code, Message: e.Message}
}

// Retryable reports whether a caller may reasonably retry the failed request.
// Deadlock and serialization aborts from the database surface as storage
// failures and are retryable.
func Retryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindStorage
}
