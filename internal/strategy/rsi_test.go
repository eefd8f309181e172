package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRSI(t *testing.T) *RSI {
	t.Helper()
	req := Requirements{Exchange: "binance", Symbol: "BTC/USDT", KlineInterval: "1m"}
	s, err := NewRSI("rsi-1", req, map[string]any{
		"period": 3, "oversold": 30.0, "overbought": 70.0, "size": "0.1",
	})
	require.NoError(t, err)
	return s.(*RSI)
}

func TestRSIBuysWhenOversold(t *testing.T) {
	s := newRSI(t)

	// Straight decline: RSI pins near zero.
	res, err := s.Analyze(dataWith(bars(110, 108, 106, 104, 102, 100, 98, 96)))
	require.NoError(t, err)
	require.Equal(t, ActionBuy, res.Action)
	assert.True(t, res.Quantity.Equal(d("0.1")))
	assert.Greater(t, res.Confidence, 0.0)
	assert.True(t, s.position.Equal(d("0.1")))
}

func TestRSISellsWhenOverboughtAndLong(t *testing.T) {
	s := newRSI(t)

	// Enter on weakness first.
	_, err := s.Analyze(dataWith(bars(110, 108, 106, 104, 102, 100, 98, 96)))
	require.NoError(t, err)
	require.True(t, s.position.Sign() > 0)

	// Straight rally: RSI pins near 100, position is closed.
	res, err := s.Analyze(dataWith(bars(96, 98, 100, 104, 108, 112, 116, 120)))
	require.NoError(t, err)
	require.Equal(t, ActionSell, res.Action)
	assert.True(t, res.Quantity.Equal(d("0.1")))
	assert.True(t, s.position.IsZero())
}

func TestRSIHoldsWhenFlatAndOverbought(t *testing.T) {
	s := newRSI(t)
	res, err := s.Analyze(dataWith(bars(96, 98, 100, 104, 108, 112, 116, 120)))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)
}

func TestRSIWarmUp(t *testing.T) {
	s := newRSI(t)
	res, err := s.Analyze(dataWith(bars(100, 101, 102)))
	require.NoError(t, err)
	assert.Equal(t, ActionHold, res.Action)
}

func TestRSIParamValidation(t *testing.T) {
	req := Requirements{Exchange: "binance", Symbol: "BTC/USDT"}
	_, err := NewRSI("x", req, map[string]any{"period": 1, "size": "1"})
	require.Error(t, err)
	_, err = NewRSI("x", req, map[string]any{"oversold": 80.0, "overbought": 20.0, "size": "1"})
	require.Error(t, err)
	_, err = NewRSI("x", req, map[string]any{})
	require.Error(t, err)
}

func TestRSISaveRestore(t *testing.T) {
	s := newRSI(t)
	_, err := s.Analyze(dataWith(bars(110, 108, 106, 104, 102, 100, 98, 96)))
	require.NoError(t, err)

	saved := s.SaveState()
	fresh := newRSI(t)
	require.NoError(t, fresh.RestoreState(saved))
	assert.True(t, fresh.position.Equal(s.position))
	assert.Equal(t, s.lastRSI, fresh.lastRSI)
}
