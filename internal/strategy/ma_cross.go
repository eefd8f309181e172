package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/market"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// MACross trades moving-average crossovers on closed klines: fast crossing
// above slow opens a long, crossing below closes it. Long-only.
type MACross struct {
	id  string
	req Requirements

	fast int
	slow int
	size decimal.Decimal

	position decimal.Decimal
	avgPrice decimal.Decimal
	lastFast decimal.Decimal
	lastSlow decimal.Decimal
	primed   bool
}

// NewMACross builds the strategy from a declaration. Used via the factory
// registry under type "ma_cross".
func NewMACross(id string, req Requirements, params map[string]any) (Strategy, error) {
	s := &MACross{id: id, req: req}
	if err := s.Initialize(params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MACross) ID() string { return s.id }

func (s *MACross) Requirements() Requirements {
	req := s.req
	req.LongOnly = true
	if len(req.Data) == 0 {
		req.Data = []DataRequest{{
			Type:     common.DataKlines,
			Interval: req.KlineInterval,
			Limit:    s.slow + 2,
		}}
	}
	if req.InitialKlines == 0 {
		req.InitialKlines = s.slow + 2
	}
	return req
}

// Initialize validates fast/slow/size parameters.
func (s *MACross) Initialize(params map[string]any) error {
	s.fast = intParam(params, "fast", 9)
	s.slow = intParam(params, "slow", 26)
	var err error
	if s.size, err = decimalParam(params, "size"); err != nil {
		return fmt.Errorf("ma_cross %s: %w", s.id, err)
	}
	if s.fast <= 0 || s.slow <= s.fast {
		return fmt.Errorf("ma_cross %s: need 0 < fast < slow", s.id)
	}
	if s.size.Sign() <= 0 {
		return fmt.Errorf("ma_cross %s: size must be positive", s.id)
	}
	if s.req.KlineInterval == "" {
		s.req.KlineInterval = "1m"
	}
	return nil
}

// Analyze recomputes both averages over closed bars and reacts to a cross.
func (s *MACross) Analyze(data *market.Data) (*Result, error) {
	bars := data.ClosedKlines(s.req.KlineInterval)
	if len(bars) < s.slow {
		return &Result{Action: ActionHold, Reason: "warming up"}, nil
	}

	fast := sma(bars, s.fast)
	slow := sma(bars, s.slow)
	defer func() {
		s.lastFast, s.lastSlow = fast, slow
		s.primed = true
	}()

	if !s.primed {
		return &Result{Action: ActionHold, Reason: "priming cross state"}, nil
	}

	crossedUp := s.lastFast.LessThanOrEqual(s.lastSlow) && fast.GreaterThan(slow)
	crossedDown := s.lastFast.GreaterThanOrEqual(s.lastSlow) && fast.LessThan(slow)
	price := bars[len(bars)-1].Close

	switch {
	case crossedUp && s.position.IsZero():
		s.position = s.size
		s.avgPrice = price
		return &Result{
			Action:   ActionBuy,
			Quantity: s.size,
			Price:    price,
			Reason:   fmt.Sprintf("fast %s crossed above slow %s", fast, slow),
		}, nil
	case crossedDown && s.position.Sign() > 0:
		qty := s.position
		s.position = decimal.Zero
		s.avgPrice = decimal.Zero
		return &Result{
			Action:   ActionSell,
			Quantity: qty,
			Price:    price,
			Reason:   fmt.Sprintf("fast %s crossed below slow %s", fast, slow),
		}, nil
	}
	return &Result{Action: ActionHold}, nil
}

func (s *MACross) SaveState() *types.StrategyState {
	return &types.StrategyState{
		StrategyID: s.id,
		InternalState: map[string]any{
			"last_fast": s.lastFast.String(),
			"last_slow": s.lastSlow.String(),
			"primed":    s.primed,
		},
		IndicatorData: map[string]float64{
			"fast": s.lastFast.InexactFloat64(),
			"slow": s.lastSlow.InexactFloat64(),
		},
		CurrentPosition: s.position,
		AveragePrice:    s.avgPrice,
	}
}

func (s *MACross) RestoreState(state *types.StrategyState) error {
	if state == nil {
		return nil
	}
	s.position = state.CurrentPosition
	s.avgPrice = state.AveragePrice
	if v, ok := state.InternalState["last_fast"].(string); ok {
		s.lastFast, _ = decimal.NewFromString(v)
	}
	if v, ok := state.InternalState["last_slow"].(string); ok {
		s.lastSlow, _ = decimal.NewFromString(v)
	}
	if v, ok := state.InternalState["primed"].(bool); ok {
		s.primed = v
	}
	return nil
}

func (s *MACross) SetRecoveryContext(rc *RecoveryContext) {
	if rc == nil {
		return
	}
	s.position = rc.Position
	s.avgPrice = rc.AvgPrice
}

func (s *MACross) Cleanup() error { return nil }

// sma averages the closes of the last n bars.
func sma(bars []types.Kline, n int) decimal.Decimal {
	sum := decimal.Zero
	for _, k := range bars[len(bars)-n:] {
		sum = sum.Add(k.Close)
	}
	return sum.DivRound(decimal.NewFromInt(int64(n)), 8)
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func decimalParam(params map[string]any, key string) (decimal.Decimal, error) {
	switch v := params[key].(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case nil:
		return decimal.Zero, fmt.Errorf("missing required parameter %q", key)
	}
	return decimal.Zero, fmt.Errorf("parameter %q: unsupported type %T", key, params[key])
}
