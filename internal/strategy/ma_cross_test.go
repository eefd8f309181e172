package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/market"
	"tradecore/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bars(closes ...float64) []types.Kline {
	out := make([]types.Kline, len(closes))
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		out[i] = types.Kline{
			Exchange: "binance", Symbol: "BTC/USDT", Interval: "1m",
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
			Open:      price, High: price, Low: price, Close: price,
			IsClosed: true,
		}
	}
	return out
}

func dataWith(klines []types.Kline) *market.Data {
	return &market.Data{
		Exchange: "binance",
		Symbol:   "BTC/USDT",
		Klines:   map[string][]types.Kline{"1m": klines},
	}
}

func newMA(t *testing.T) *MACross {
	t.Helper()
	req := Requirements{Exchange: "binance", Symbol: "BTC/USDT", KlineInterval: "1m"}
	s, err := NewMACross("ma-1", req, map[string]any{"fast": 2, "slow": 4, "size": "0.01"})
	require.NoError(t, err)
	return s.(*MACross)
}

func TestMACrossBuysOnCrossUp(t *testing.T) {
	s := newMA(t)

	// Prime on a declining series: fast below slow.
	res, err := s.Analyze(dataWith(bars(110, 108, 106, 104, 102)))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)

	res, err = s.Analyze(dataWith(bars(108, 106, 104, 102, 100)))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)

	// Sharp rally flips fast above slow.
	res, err = s.Analyze(dataWith(bars(104, 102, 100, 120, 140)))
	require.NoError(t, err)
	require.Equal(t, ActionBuy, res.Action)
	assert.True(t, res.Quantity.Equal(d("0.01")))
	assert.True(t, res.Price.Equal(d("140")))
}

func TestMACrossSellsOnCrossDownOnlyWhenLong(t *testing.T) {
	s := newMA(t)

	// Cross down while flat: nothing to sell.
	_, err := s.Analyze(dataWith(bars(100, 110, 120, 130, 140)))
	require.NoError(t, err)
	res, err := s.Analyze(dataWith(bars(140, 130, 100, 80, 60)))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)
}

func TestMACrossWarmsUp(t *testing.T) {
	s := newMA(t)
	res, err := s.Analyze(dataWith(bars(100, 101))) // fewer than slow bars
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)
}

func TestMACrossIgnoresFormingBars(t *testing.T) {
	s := newMA(t)
	kl := bars(104, 102, 100, 120, 140)
	kl[len(kl)-1].IsClosed = false
	// Only 4 closed bars remain; strategy primes but the forming bar never
	// contributes to the averages.
	res, err := s.Analyze(dataWith(kl))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)
}

func TestMACrossSaveRestoreIdentity(t *testing.T) {
	s := newMA(t)
	_, err := s.Analyze(dataWith(bars(110, 108, 106, 104, 102)))
	require.NoError(t, err)
	_, err = s.Analyze(dataWith(bars(104, 102, 100, 120, 140)))
	require.NoError(t, err)

	saved := s.SaveState()

	fresh := newMA(t)
	require.NoError(t, fresh.RestoreState(saved))

	assert.True(t, fresh.position.Equal(s.position))
	assert.True(t, fresh.avgPrice.Equal(s.avgPrice))
	assert.True(t, fresh.lastFast.Equal(s.lastFast))
	assert.True(t, fresh.lastSlow.Equal(s.lastSlow))
	assert.Equal(t, s.primed, fresh.primed)

	// And the round trip is stable: saving again yields the same snapshot.
	again := fresh.SaveState()
	assert.Equal(t, saved.InternalState, again.InternalState)
	assert.True(t, saved.CurrentPosition.Equal(again.CurrentPosition))
}

func TestMACrossParamValidation(t *testing.T) {
	req := Requirements{Exchange: "binance", Symbol: "BTC/USDT"}
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing size", map[string]any{"fast": 2, "slow": 4}},
		{"fast >= slow", map[string]any{"fast": 5, "slow": 4, "size": "1"}},
		{"zero size", map[string]any{"fast": 2, "slow": 4, "size": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMACross("x", req, tt.params)
			require.Error(t, err)
		})
	}
}

func TestSetRecoveryContext(t *testing.T) {
	s := newMA(t)
	s.SetRecoveryContext(&RecoveryContext{Position: d("0.01"), AvgPrice: d("50198")})
	assert.True(t, s.position.Equal(d("0.01")))
	assert.True(t, s.avgPrice.Equal(d("50198")))
}
