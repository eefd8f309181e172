// Package risk is the thin filter in front of the Order Manager: every
// order intent is checked against the configured hard limits before it may
// reach an exchange.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/pkg/config"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// Severity of a limit violation.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Violation rejects an order intent. Critical violations additionally make
// the engine fire an emergency stop.
type Violation struct {
	Limit    string
	Severity string
	Value    decimal.Decimal
	Max      decimal.Decimal
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk limit %s: %s exceeds %s (%s)", v.Limit, v.Value, v.Max, v.Severity)
}

// IntentContext is what the caller knows about the account at check time.
type IntentContext struct {
	CurrentPosition decimal.Decimal // signed, for the intent's symbol
	OpenPositions   int             // distinct non-flat symbols
	Leverage        decimal.Decimal // zero when spot
}

// Manager evaluates intents against maxPositionSize, maxDailyLoss,
// maxDrawdown, maxOpenPositions and maxLeverage. Zero-valued limits are
// disabled.
type Manager struct {
	bus *events.Bus
	log zerolog.Logger

	maxPositionSize  decimal.Decimal
	maxDailyLoss     decimal.Decimal
	maxDrawdown      decimal.Decimal
	maxOpenPositions int
	maxLeverage      decimal.Decimal

	mu       sync.Mutex
	day      string
	dailyPnL decimal.Decimal
	equity   decimal.Decimal
	peak     decimal.Decimal
}

// NewManager builds the risk filter from config.
func NewManager(cfg config.RiskConfig, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus:              bus,
		maxPositionSize:  decimal.NewFromFloat(cfg.MaxPositionSize),
		maxDailyLoss:     decimal.NewFromFloat(cfg.MaxDailyLoss),
		maxDrawdown:      decimal.NewFromFloat(cfg.MaxDrawdown),
		maxOpenPositions: cfg.MaxOpenPositions,
		maxLeverage:      decimal.NewFromFloat(cfg.MaxLeverage),
		log:              log.With().Str("component", "risk").Logger(),
	}
}

// CheckIntent returns nil when the intent may proceed, otherwise the
// Violation that rejected it. A risk_limit_exceeded event is published for
// every rejection.
func (m *Manager) CheckIntent(intent common.OrderIntent, ctx IntentContext) error {
	if v := m.evaluate(intent, ctx); v != nil {
		m.publish(intent, v)
		return v
	}
	return nil
}

func (m *Manager) evaluate(intent common.OrderIntent, ctx IntentContext) *Violation {
	if m.maxPositionSize.Sign() > 0 {
		delta := intent.Quantity
		if intent.Side == types.SideSell {
			delta = delta.Neg()
		}
		after := ctx.CurrentPosition.Add(delta).Abs()
		if after.GreaterThan(m.maxPositionSize) {
			return &Violation{Limit: "maxPositionSize", Severity: SeverityWarning, Value: after, Max: m.maxPositionSize}
		}
	}

	if m.maxOpenPositions > 0 && ctx.CurrentPosition.IsZero() &&
		ctx.OpenPositions >= m.maxOpenPositions {
		return &Violation{
			Limit: "maxOpenPositions", Severity: SeverityWarning,
			Value: decimal.NewFromInt(int64(ctx.OpenPositions + 1)),
			Max:   decimal.NewFromInt(int64(m.maxOpenPositions)),
		}
	}

	if m.maxLeverage.Sign() > 0 && ctx.Leverage.GreaterThan(m.maxLeverage) {
		return &Violation{Limit: "maxLeverage", Severity: SeverityWarning, Value: ctx.Leverage, Max: m.maxLeverage}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	if m.maxDailyLoss.Sign() > 0 && m.dailyPnL.Neg().GreaterThan(m.maxDailyLoss) {
		return &Violation{Limit: "maxDailyLoss", Severity: SeverityCritical, Value: m.dailyPnL.Neg(), Max: m.maxDailyLoss}
	}
	if m.maxDrawdown.Sign() > 0 && m.peak.Sign() > 0 {
		dd := m.peak.Sub(m.equity)
		if dd.GreaterThan(m.maxDrawdown) {
			return &Violation{Limit: "maxDrawdown", Severity: SeverityCritical, Value: dd, Max: m.maxDrawdown}
		}
	}
	return nil
}

// RecordPnL feeds realized PnL into the daily-loss accounting.
func (m *Manager) RecordPnL(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	m.dailyPnL = m.dailyPnL.Add(pnl)
	m.equity = m.equity.Add(pnl)
	if m.equity.GreaterThan(m.peak) {
		m.peak = m.equity
	}
}

// DailyPnL returns today's accumulated realized PnL.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.dailyPnL
}

func (m *Manager) rollDayLocked() {
	today := time.Now().Format("2006-01-02")
	if m.day != today {
		m.day = today
		m.dailyPnL = decimal.Zero
	}
}

func (m *Manager) publish(intent common.OrderIntent, v *Violation) {
	m.log.Warn().
		Str("limit", v.Limit).
		Str("severity", v.Severity).
		Str("value", v.Value.String()).
		Str("max", v.Max.String()).
		Str("symbol", string(intent.Symbol)).
		Msg("order intent rejected by risk limit")
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Kind:   events.KindRiskLimitExceeded,
		Symbol: intent.Symbol,
		Time:   time.Now(),
		Risk: &events.RiskPayload{
			LimitType: v.Limit,
			Severity:  v.Severity,
			Value:     v.Value,
			Limit:     v.Max,
			Reason:    v.Error(),
		},
	})
}
