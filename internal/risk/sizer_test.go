package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func eurusd() InstrumentSpec {
	return InstrumentSpec{
		Symbol:        "EURUSD",
		LotStep:       d("0.01"),
		MinLot:        d("0.01"),
		MaxLot:        d("100"),
		ContractValue: d("100000"),
	}
}

func TestSizeEURUSD(t *testing.T) {
	// 10k equity, 1% risk, 50 pip stop: 100 / (0.0050 * 100000) = 0.2 lots.
	qty, err := Size(d("10000"), d("1"), d("1.1000"), d("1.0950"), eurusd())
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("0.2")), "got %s", qty)
}

func TestSizeNeverExceedsDeclaredRisk(t *testing.T) {
	cases := []struct {
		equity, riskPct, entry, sl string
	}{
		{"10000", "1", "1.1000", "1.0950"},
		{"10000", "2", "1.1000", "1.0931"},
		{"3517", "0.5", "1.2345", "1.2288"},
		{"250000", "1", "153.20", "151.85"},
		{"999", "1", "1.1000", "1.0999"},
	}
	for _, tc := range cases {
		spec := eurusd()
		qty, err := Size(d(tc.equity), d(tc.riskPct), d(tc.entry), d(tc.sl), spec)
		if err != nil {
			continue // below-minimum rejections are allowed, clamping up is not
		}
		lossAtStop := qty.Mul(d(tc.entry).Sub(d(tc.sl)).Abs()).Mul(spec.ContractValue)
		budget := d(tc.equity).Mul(d(tc.riskPct)).Div(d("100"))
		assert.True(t, lossAtStop.Cmp(budget) <= 0,
			"equity=%s risk=%s: loss %s exceeds budget %s", tc.equity, tc.riskPct, lossAtStop, budget)
		assert.True(t, qty.Mod(spec.LotStep).IsZero(), "quantity %s off the lot grid", qty)
	}
}

func TestSizeEntryEqualsStop(t *testing.T) {
	_, err := Size(d("10000"), d("1"), d("1.1"), d("1.1"), eurusd())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSizeBelowMinimumFailsInsteadOfClamping(t *testing.T) {
	// Tiny equity cannot carry even the minimum lot at this stop distance.
	_, err := Size(d("50"), d("1"), d("1.1000"), d("1.0900"), eurusd())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSizeCapsAtMaxLot(t *testing.T) {
	spec := eurusd()
	spec.MaxLot = d("0.5")
	qty, err := Size(d("1000000"), d("5"), d("1.1000"), d("1.0950"), spec)
	require.NoError(t, err)
	assert.True(t, qty.Equal(d("0.5")), "got %s", qty)
}

func TestSizeRejectsNonPositiveInputs(t *testing.T) {
	_, err := Size(d("0"), d("1"), d("1.1"), d("1.09"), eurusd())
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = Size(d("10000"), d("0"), d("1.1"), d("1.09"), eurusd())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSnapDown(t *testing.T) {
	assert.True(t, SnapDown(d("0.2099"), d("0.01")).Equal(d("0.2")))
	assert.True(t, SnapDown(d("1.999"), d("0.5")).Equal(d("1.5")))
	assert.True(t, SnapDown(d("0.009"), d("0.01")).IsZero())
}
