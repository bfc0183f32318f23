package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Unit is the smallest denomination an amount is counted in
type Unit string

const (
	Sat  Unit = "SAT"
	Msat Unit = "MSAT"
)

// UnitInfo contains metadata about a unit
type UnitInfo struct {
	Code Unit
	// Exponent is the number of decimal places between the unit and one BTC
	Exponent int32
	Symbol   string
}

var units = map[Unit]UnitInfo{
	Sat:  {Code: Sat, Exponent: 8, Symbol: "sat"},
	Msat: {Code: Msat, Exponent: 11, Symbol: "msat"},
}

// GetUnitInfo returns info about a unit
func GetUnitInfo(u Unit) (UnitInfo, bool) {
	info, ok := units[u]
	return info, ok
}

// Amount is an integer quantity of a bitcoin unit. Never floating point.
type Amount struct {
	Minor int64 `json:"amount_minor"`
	Unit  Unit  `json:"unit"`
}

// New creates a new Amount from minor units
func New(minor int64, unit Unit) Amount {
	return Amount{Minor: minor, Unit: unit}
}

// Sats is shorthand for New(n, Sat)
func Sats(n int64) Amount { return New(n, Sat) }

// Msats is shorthand for New(n, Msat)
func Msats(n int64) Amount { return New(n, Msat) }

// Zero returns a zero amount for a unit
func Zero(unit Unit) Amount {
	return Amount{Unit: unit}
}

// IsZero returns true if the amount is zero
func (a Amount) IsZero() bool {
	return a.Minor == 0
}

// IsPositive returns true if the amount is positive
func (a Amount) IsPositive() bool {
	return a.Minor > 0
}

// Valid reports whether the unit is known
func (a Amount) Valid() bool {
	_, ok := units[a.Unit]
	return ok
}

// Add adds two amounts (must be same unit)
func (a Amount) Add(other Amount) (Amount, error) {
	if a.Unit != other.Unit {
		return Amount{}, fmt.Errorf("unit mismatch: %s vs %s", a.Unit, other.Unit)
	}
	return Amount{Minor: a.Minor + other.Minor, Unit: a.Unit}, nil
}

// Sub subtracts two amounts (must be same unit)
func (a Amount) Sub(other Amount) (Amount, error) {
	if a.Unit != other.Unit {
		return Amount{}, fmt.Errorf("unit mismatch: %s vs %s", a.Unit, other.Unit)
	}
	return Amount{Minor: a.Minor - other.Minor, Unit: a.Unit}, nil
}

// Compare returns -1, 0, or 1
func (a Amount) Compare(other Amount) (int, error) {
	if a.Unit != other.Unit {
		return 0, fmt.Errorf("unit mismatch: %s vs %s", a.Unit, other.Unit)
	}
	switch {
	case a.Minor < other.Minor:
		return -1, nil
	case a.Minor > other.Minor:
		return 1, nil
	}
	return 0, nil
}

// Covers reports whether a is at least required. Mismatched units never cover.
func (a Amount) Covers(required Amount) bool {
	cmp, err := a.Compare(required)
	return err == nil && cmp >= 0
}

// Equal checks equality
func (a Amount) Equal(other Amount) bool {
	return a.Minor == other.Minor && a.Unit == other.Unit
}

// To converts between units. Converting msat to sat rounds down.
func (a Amount) To(unit Unit) (Amount, error) {
	if a.Unit == unit {
		return a, nil
	}
	switch {
	case a.Unit == Sat && unit == Msat:
		return Amount{Minor: a.Minor * 1000, Unit: Msat}, nil
	case a.Unit == Msat && unit == Sat:
		return Amount{Minor: a.Minor / 1000, Unit: Sat}, nil
	}
	return Amount{}, fmt.Errorf("cannot convert %s to %s", a.Unit, unit)
}

// BTC returns the amount in whole bitcoin as an exact decimal
func (a Amount) BTC() decimal.Decimal {
	info, ok := units[a.Unit]
	if !ok {
		info = units[Sat]
	}
	return decimal.New(a.Minor, -info.Exponent)
}

// String returns a human-readable representation
func (a Amount) String() string {
	info, ok := units[a.Unit]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", a.Minor, a.Unit)
	}
	return fmt.Sprintf("%d %s", a.Minor, info.Symbol)
}

// MarshalJSON implements json.Marshaler
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Minor int64  `json:"amount_minor"`
		Unit  string `json:"unit"`
	}{
		Minor: a.Minor,
		Unit:  string(a.Unit),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Amount) UnmarshalJSON(data []byte) error {
	var v struct {
		Minor int64  `json:"amount_minor"`
		Unit  string `json:"unit"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	a.Minor = v.Minor
	a.Unit = Unit(v.Unit)
	return nil
}

// Scan implements sql.Scanner
func (a *Amount) Scan(src interface{}) error {
	if src == nil {
		*a = Amount{}
		return nil
	}
	switch v := src.(type) {
	case int64:
		a.Minor = v
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return errors.New("cannot scan into Amount")
	}
}

// Value implements driver.Valuer
func (a Amount) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Sum adds up multiple amounts
func Sum(amounts ...Amount) (Amount, error) {
	if len(amounts) == 0 {
		return Amount{}, nil
	}

	result := amounts[0]
	for _, a := range amounts[1:] {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Amount{}, err
		}
	}
	return result, nil
}

// Fiat is a display-only conversion of an amount at a quoted rate
type Fiat struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Rate     decimal.Decimal `json:"rate"`
}

// ToFiat converts at rate (fiat per BTC), rounded to cents
func (a Amount) ToFiat(currency string, rate decimal.Decimal) Fiat {
	return Fiat{
		Currency: currency,
		Amount:   a.BTC().Mul(rate).Round(2),
		Rate:     rate,
	}
}
