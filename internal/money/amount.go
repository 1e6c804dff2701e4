package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a cent-denominated value that travels on the wire as a two-decimal
// string ("25.00"). It unmarshals from either a JSON number or string.
type Amount int64

func (a Amount) Cents() int64 {
	return int64(a)
}

func (a Amount) String() string {
	return Format(int64(a))
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Format(int64(a)) + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	*a = Amount(ToCents(d))
	return nil
}
