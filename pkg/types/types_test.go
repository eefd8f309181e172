package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestOrderStatusTerminal(t *testing.T) {
	tests := []struct {
		status   OrderStatus
		terminal bool
		open     bool
	}{
		{StatusNew, false, true},
		{StatusPartiallyFilled, false, true},
		{StatusFilled, true, false},
		{StatusCanceled, true, false},
		{StatusRejected, true, false},
		{StatusExpired, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.open, tt.status.IsOpen())
		})
	}
}

func TestOrderSignedExecuted(t *testing.T) {
	buy := Order{Side: SideBuy, ExecutedQuantity: d("0.5")}
	sell := Order{Side: SideSell, ExecutedQuantity: d("0.5")}
	assert.True(t, buy.SignedExecuted().Equal(d("0.5")))
	assert.True(t, sell.SignedExecuted().Equal(d("-0.5")))
}

func TestOrderClone(t *testing.T) {
	o := &Order{
		ID:       "1",
		Quantity: d("1"),
		Fills:    []Fill{{TradeID: "t1", Price: d("100"), Quantity: d("0.5")}},
	}
	cp := o.Clone()
	cp.Fills[0].TradeID = "mutated"
	assert.Equal(t, "t1", o.Fills[0].TradeID)
}

func TestBalanceTotal(t *testing.T) {
	b := Balance{Asset: "USDT", Free: d("100.5"), Locked: d("24.5")}
	assert.True(t, b.Total().Equal(d("125")))
}

func TestPositionSideFromSign(t *testing.T) {
	tests := []struct {
		qty  string
		side PositionSide
	}{
		{"1.5", PositionLong},
		{"-0.3", PositionShort},
		{"0", PositionFlat},
	}
	for _, tt := range tests {
		p := Position{Quantity: d(tt.qty)}
		assert.Equal(t, tt.side, p.Side())
	}
}

func TestPositionPnL(t *testing.T) {
	// Exchange-reported PnL wins.
	p := Position{Quantity: d("1"), AvgPrice: d("100"), MarkPrice: d("110"), UnrealizedPnl: d("9.5")}
	assert.True(t, p.PnL().Equal(d("9.5")))

	// Derived: (mark - avg) * signed quantity, short side included.
	short := Position{Quantity: d("-2"), AvgPrice: d("100"), MarkPrice: d("90")}
	assert.True(t, short.PnL().Equal(d("20")))
}

func TestStrategyStateClone(t *testing.T) {
	s := &StrategyState{
		StrategyID:      "s1",
		InternalState:   map[string]any{"k": "v"},
		IndicatorData:   map[string]float64{"rsi": 55},
		CurrentPosition: d("0.01"),
		LastUpdateTime:  time.Now(),
	}
	cp := s.Clone()
	cp.InternalState["k"] = "mutated"
	cp.IndicatorData["rsi"] = 0
	require.Equal(t, "v", s.InternalState["k"])
	require.Equal(t, 55.0, s.IndicatorData["rsi"])
}

func TestRecoveryResultHasErrors(t *testing.T) {
	r := &StrategyRecoveryResult{Issues: []RecoveryIssue{{Level: IssueInfo}, {Level: IssueWarning}}}
	assert.False(t, r.HasErrors())
	r.Issues = append(r.Issues, RecoveryIssue{Level: IssueError})
	assert.True(t, r.HasErrors())
}
