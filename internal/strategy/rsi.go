package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"tradecore/internal/market"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// RSI is a mean-reversion strategy: buy when the RSI drops below the
// oversold level while flat, sell the position back when it rises above the
// overbought level. Indicator math runs on floats (it is not money); order
// quantities and prices stay decimal.
type RSI struct {
	id  string
	req Requirements

	period     int
	oversold   float64
	overbought float64
	size       decimal.Decimal

	position decimal.Decimal
	avgPrice decimal.Decimal
	lastRSI  float64
}

// NewRSI builds the strategy; registered under type "rsi".
func NewRSI(id string, req Requirements, params map[string]any) (Strategy, error) {
	s := &RSI{id: id, req: req}
	if err := s.Initialize(params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RSI) ID() string { return s.id }

func (s *RSI) Requirements() Requirements {
	req := s.req
	req.LongOnly = true
	if len(req.Data) == 0 {
		req.Data = []DataRequest{{
			Type:     common.DataKlines,
			Interval: req.KlineInterval,
			Limit:    s.period * 3,
		}}
	}
	if req.InitialKlines == 0 {
		req.InitialKlines = s.period * 3
	}
	return req
}

func (s *RSI) Initialize(params map[string]any) error {
	s.period = intParam(params, "period", 14)
	s.oversold = floatParam(params, "oversold", 30)
	s.overbought = floatParam(params, "overbought", 70)
	var err error
	if s.size, err = decimalParam(params, "size"); err != nil {
		return fmt.Errorf("rsi %s: %w", s.id, err)
	}
	if s.period < 2 {
		return fmt.Errorf("rsi %s: period must be >= 2", s.id)
	}
	if s.oversold >= s.overbought {
		return fmt.Errorf("rsi %s: oversold must be below overbought", s.id)
	}
	if s.req.KlineInterval == "" {
		s.req.KlineInterval = "1m"
	}
	return nil
}

func (s *RSI) Analyze(data *market.Data) (*Result, error) {
	bars := data.ClosedKlines(s.req.KlineInterval)
	if len(bars) <= s.period {
		return &Result{Action: ActionHold, Reason: "warming up"}, nil
	}

	closes := make([]float64, len(bars))
	for i, k := range bars {
		closes[i] = k.Close.InexactFloat64()
	}
	rsi := talib.Rsi(closes, s.period)
	cur := rsi[len(rsi)-1]
	s.lastRSI = cur
	price := bars[len(bars)-1].Close

	switch {
	case cur < s.oversold && s.position.IsZero():
		s.position = s.size
		s.avgPrice = price
		return &Result{
			Action:     ActionBuy,
			Quantity:   s.size,
			Price:      price,
			Confidence: (s.oversold - cur) / s.oversold,
			Reason:     fmt.Sprintf("rsi %.2f below %.0f", cur, s.oversold),
		}, nil
	case cur > s.overbought && s.position.Sign() > 0:
		qty := s.position
		s.position = decimal.Zero
		s.avgPrice = decimal.Zero
		return &Result{
			Action:     ActionSell,
			Quantity:   qty,
			Price:      price,
			Confidence: (cur - s.overbought) / (100 - s.overbought),
			Reason:     fmt.Sprintf("rsi %.2f above %.0f", cur, s.overbought),
		}, nil
	}
	return &Result{Action: ActionHold}, nil
}

func (s *RSI) SaveState() *types.StrategyState {
	return &types.StrategyState{
		StrategyID:      s.id,
		InternalState:   map[string]any{},
		IndicatorData:   map[string]float64{"rsi": s.lastRSI},
		CurrentPosition: s.position,
		AveragePrice:    s.avgPrice,
	}
}

func (s *RSI) RestoreState(state *types.StrategyState) error {
	if state == nil {
		return nil
	}
	s.position = state.CurrentPosition
	s.avgPrice = state.AveragePrice
	if v, ok := state.IndicatorData["rsi"]; ok {
		s.lastRSI = v
	}
	return nil
}

func (s *RSI) SetRecoveryContext(rc *RecoveryContext) {
	if rc == nil {
		return
	}
	s.position = rc.Position
	s.avgPrice = rc.AvgPrice
}

func (s *RSI) Cleanup() error { return nil }

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}
