package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAmountOutOfRange    = errors.New("amount outside provider limits")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidInput        = errors.New("invalid input")

	// ErrAmountAboveLimit is the ErrAmountOutOfRange case where the amount
	// exceeds the provider maximum.
	ErrAmountAboveLimit = fmt.Errorf("%w: above maximum", ErrAmountOutOfRange)
)

// Bounds are inclusive provider limits in whole currency units.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func NewBounds(min, max int64) Bounds {
	return Bounds{Min: decimal.NewFromInt(min), Max: decimal.NewFromInt(max)}
}

// CheckAmount rejects non-positive, fractional and out-of-range amounts.
func CheckAmount(amount decimal.Decimal, b Bounds) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%w: fractional amount %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(b.Max) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountAboveLimit, amount, b.Min, b.Max)
	}
	if amount.LessThan(b.Min) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfRange, amount, b.Min, b.Max)
	}
	return nil
}

// CheckCurrency compares case-insensitively against the supported set.
func CheckCurrency(currency string, supported ...string) error {
	for _, s := range supported {
		if strings.EqualFold(currency, s) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
}

var validate = validator.New()

// Struct runs tag-based validation on input structs.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrInvalidInput, fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}
