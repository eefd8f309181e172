package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/events"
	"tradecore/pkg/config"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intent(side types.Side, qty string) common.OrderIntent {
	return common.OrderIntent{
		ClientOrderID: "c1",
		Symbol:        "BTC/USDT",
		Side:          side,
		Type:          types.OrderTypeLimit,
		Quantity:      d(qty),
		Price:         d("50000"),
	}
}

func TestMaxPositionSize(t *testing.T) {
	tests := []struct {
		name    string
		current string
		side    types.Side
		qty     string
		wantErr bool
	}{
		{"within limit", "0", types.SideBuy, "0.01", false},
		{"at limit", "0", types.SideBuy, "0.01", false},
		{"over limit", "0", types.SideBuy, "0.02", true},
		{"adds to existing", "0.005", types.SideBuy, "0.01", true},
		{"sell reduces", "0.01", types.SideSell, "0.01", false},
		{"short over limit", "0", types.SideSell, "0.02", true},
	}
	m := NewManager(config.RiskConfig{MaxPositionSize: 0.01}, nil, zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.CheckIntent(intent(tt.side, tt.qty), IntentContext{CurrentPosition: d(tt.current)})
			if tt.wantErr {
				var v *Violation
				require.ErrorAs(t, err, &v)
				assert.Equal(t, "maxPositionSize", v.Limit)
				assert.Equal(t, SeverityWarning, v.Severity)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// Scenario: maxPositionSize=0.01, intent buy 0.02 → rejected with one
// warning risk_limit_exceeded event before touching the exchange.
func TestViolationPublishesEvent(t *testing.T) {
	bus := events.NewBus(16, events.DropOldest, zerolog.Nop())
	defer bus.Close()

	var got []events.Event
	done := make(chan struct{})
	bus.Subscribe(&events.SubscriberFunc{
		ID:     "test",
		Filter: []events.Kind{events.KindRiskLimitExceeded},
		Fn: func(e events.Event) {
			got = append(got, e)
			close(done)
		},
	})

	m := NewManager(config.RiskConfig{MaxPositionSize: 0.01}, bus, zerolog.Nop())
	err := m.CheckIntent(intent(types.SideBuy, "0.02"), IntentContext{})
	require.Error(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("risk event never published")
	}
	require.Len(t, got, 1)
	assert.Equal(t, "warning", got[0].Risk.Severity)
	assert.Equal(t, "maxPositionSize", got[0].Risk.LimitType)
}

func TestMaxOpenPositions(t *testing.T) {
	m := NewManager(config.RiskConfig{MaxOpenPositions: 2}, nil, zerolog.Nop())

	// Opening a third position is rejected.
	err := m.CheckIntent(intent(types.SideBuy, "1"), IntentContext{OpenPositions: 2})
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "maxOpenPositions", v.Limit)

	// Adding to an existing position is not "opening".
	err = m.CheckIntent(intent(types.SideBuy, "1"),
		IntentContext{OpenPositions: 2, CurrentPosition: d("0.5")})
	require.NoError(t, err)
}

func TestMaxLeverage(t *testing.T) {
	m := NewManager(config.RiskConfig{MaxLeverage: 5}, nil, zerolog.Nop())
	err := m.CheckIntent(intent(types.SideBuy, "1"), IntentContext{Leverage: d("10")})
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "maxLeverage", v.Limit)
	assert.Equal(t, SeverityWarning, v.Severity)
}

func TestDailyLossIsCritical(t *testing.T) {
	m := NewManager(config.RiskConfig{MaxDailyLoss: 100}, nil, zerolog.Nop())
	m.RecordPnL(d("-150"))

	err := m.CheckIntent(intent(types.SideBuy, "1"), IntentContext{})
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "maxDailyLoss", v.Limit)
	assert.Equal(t, SeverityCritical, v.Severity)
}

func TestDrawdownIsCritical(t *testing.T) {
	m := NewManager(config.RiskConfig{MaxDrawdown: 100}, nil, zerolog.Nop())
	m.RecordPnL(d("200"))  // peak 200
	m.RecordPnL(d("-150")) // equity 50, drawdown 150

	err := m.CheckIntent(intent(types.SideBuy, "1"), IntentContext{})
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "maxDrawdown", v.Limit)
	assert.Equal(t, SeverityCritical, v.Severity)
}

func TestDisabledLimitsPassEverything(t *testing.T) {
	m := NewManager(config.RiskConfig{}, nil, zerolog.Nop())
	m.RecordPnL(d("-1000000"))
	require.NoError(t, m.CheckIntent(intent(types.SideBuy, "1000"),
		IntentContext{OpenPositions: 500, Leverage: d("100")}))
}
