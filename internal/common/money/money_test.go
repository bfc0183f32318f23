package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCovers(t *testing.T) {
	tests := []struct {
		name     string
		observed Amount
		required Amount
		want     bool
	}{
		{"exact", Sats(100_000), Sats(100_000), true},
		{"one below", Sats(99_999), Sats(100_000), false},
		{"overpaid", Sats(100_001), Sats(100_000), true},
		{"unit mismatch", Msats(100_000_000), Sats(100_000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.observed.Covers(tt.required))
		})
	}
}

func TestTo(t *testing.T) {
	got, err := Sats(21).To(Msat)
	require.NoError(t, err)
	assert.Equal(t, Msats(21_000), got)

	got, err = Msats(21_999).To(Sat)
	require.NoError(t, err)
	assert.Equal(t, Sats(21), got)

	_, err = Amount{Minor: 1, Unit: "DOGE"}.To(Sat)
	assert.Error(t, err)
}

func TestBTCAndFiat(t *testing.T) {
	assert.Equal(t, "0.001", Sats(100_000).BTC().String())
	assert.Equal(t, "0.001", Msats(100_000_000).BTC().String())

	f := Sats(100_000).ToFiat("USD", decimal.NewFromInt(65_000))
	assert.Equal(t, "65", f.Amount.String())
}

func TestAddMismatch(t *testing.T) {
	_, err := Sats(1).Add(Msats(1))
	assert.Error(t, err)

	total, err := Sum(Sats(1), Sats(2), Sats(3))
	require.NoError(t, err)
	assert.Equal(t, int64(6), total.Minor)
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(Msats(5))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount_minor":5,"unit":"MSAT"}`, string(b))

	var a Amount
	require.NoError(t, a.Scan(b))
	assert.Equal(t, Msats(5), a)
}
