package entity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/illusorium/rupay/pkg/errorbank"
)

var validate = validator.New()

var transactionIDPattern = regexp.MustCompile(`^[0-9A-Za-z-]+$`)

// ValidateOrder checks merchant-supplied order data before it is persisted.
func ValidateOrder(o *Order) error {
	if o == nil {
		return errorbank.Validation("order data must not be empty")
	}
	if strings.TrimSpace(o.OrderNumber) == "" {
		return errorbank.Validation("order_number is required and must not be empty")
	}
	if o.Email != "" {
		if err := validate.Var(o.Email, "email"); err != nil {
			return errorbank.Validation(fmt.Sprintf("email %s is not valid", o.Email))
		}
	}
	if o.TransactionID != "" && !transactionIDPattern.MatchString(o.TransactionID) {
		return errorbank.Validation("transaction id must consist only of letters, digits and dashes")
	}
	return nil
}

// ParseAmount parses a decimal value from merchant input, tolerating a comma
// as the decimal separator.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errorbank.Validation(fmt.Sprintf("%q is not a valid amount", s))
	}
	return d, nil
}
