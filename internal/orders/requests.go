package orders

import (
	"errors"
	"fmt"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

type LineRequest struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"min=1,max=2147483647"`
}

type CreateOrderRequest struct {
	BuyerID string        `json:"buyer_id" validate:"required"`
	StoreID string        `json:"store_id" validate:"required"`
	Lines   []LineRequest `json:"lines" validate:"required,min=1,dive"`
}

type PaymentRequest struct {
	BuyerID  string `json:"buyer_id" validate:"required"`
	Password string `json:"password" validate:"required"`
	OrderID  string `json:"order_id" validate:"required"`
}

type CancelRequest struct {
	BuyerID string `json:"buyer_id" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
}

type AddFundsRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Password string `json:"password" validate:"required"`
	Amount   int64  `json:"amount" validate:"gt=0"`
}

// NewValidator returns a validator with the struct-level rules for order requests.
func NewValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})
	return v
}

// Each item may appear once per order; quantities for one item go on one line.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)
	seen := make(map[string]bool, len(req.Lines))
	for _, l := range req.Lines {
		if seen[l.ItemID] {
			sl.ReportError(req.Lines, "lines", "Lines", "unique_item", l.ItemID)
			return
		}
		seen[l.ItemID] = true
	}
}

func validationMessage(err error) error {
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.StructNamespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}
