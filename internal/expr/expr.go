// Package expr parses the free-form amount expressions cashiers type when
// recording a bill, e.g. "70+69+56" or "70, 69, 56".
package expr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrEmpty is returned when an expression holds no amounts at all.
var ErrEmpty = errors.New("no valid amounts provided")

// ParseError identifies the token that is not a positive number.
type ParseError struct {
	Token string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid amount: %s", e.Token)
}

// Parse normalizes commas to '+', splits on '+', trims each token and drops
// empty ones. Every remaining token must be a number greater than zero.
func Parse(raw string) ([]decimal.Decimal, error) {
	tokens := strings.Split(strings.ReplaceAll(raw, ",", "+"), "+")

	amounts := make([]decimal.Decimal, 0, len(tokens))
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		amount, err := decimal.NewFromString(token)
		if err != nil || !amount.IsPositive() || !finite(token) {
			return nil, &ParseError{Token: token}
		}
		amounts = append(amounts, amount)
	}
	if len(amounts) == 0 {
		return nil, ErrEmpty
	}
	return amounts, nil
}

// finite reports whether token is a non-zero number inside the float64
// range. Values that overflow to infinity or underflow to zero are rejected
// so an amount never expands into millions of digits.
func finite(token string) bool {
	f, err := strconv.ParseFloat(token, 64)
	return err == nil && f > 0 && !math.IsInf(f, 0)
}

// Sum adds amounts exactly.
func Sum(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total
}

// Preview is the result of evaluating an expression for display while it is
// still being typed.
type Preview struct {
	Amounts []decimal.Decimal `json:"amounts"`
	Count   int               `json:"count"`
	Total   decimal.Decimal   `json:"total"`
	Valid   bool              `json:"valid"`
	Error   string            `json:"error,omitempty"`
}

// Evaluate runs the same Parse used when saving, so a preview marked valid
// is always accepted on submit.
func Evaluate(raw string) Preview {
	amounts, err := Parse(raw)
	if err != nil {
		return Preview{Amounts: []decimal.Decimal{}, Total: decimal.Zero, Error: err.Error()}
	}
	return Preview{
		Amounts: amounts,
		Count:   len(amounts),
		Total:   Sum(amounts),
		Valid:   true,
	}
}
