package state

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"tradecore/pkg/types"
)

// snapshotRecord is the storage shape of a StrategyState. Decimals travel
// as strings so precision survives the round trip.
type snapshotRecord struct {
	StrategyID string             `msgpack:"strategy_id"`
	Internal   map[string]any     `msgpack:"internal"`
	Indicators map[string]float64 `msgpack:"indicators"`
	LastSignal string             `msgpack:"last_signal"`
	SignalTime int64              `msgpack:"signal_time"`
	Position   string             `msgpack:"position"`
	AvgPrice   string             `msgpack:"avg_price"`
	UpdatedAt  int64              `msgpack:"updated_at"`
}

func encodeSnapshot(s *types.StrategyState) ([]byte, error) {
	rec := snapshotRecord{
		StrategyID: s.StrategyID,
		Internal:   s.InternalState,
		Indicators: s.IndicatorData,
		LastSignal: s.LastSignal,
		Position:   s.CurrentPosition.String(),
		AvgPrice:   s.AveragePrice.String(),
	}
	if !s.SignalTime.IsZero() {
		rec.SignalTime = s.SignalTime.UnixMilli()
	}
	if !s.LastUpdateTime.IsZero() {
		rec.UpdatedAt = s.LastUpdateTime.UnixMilli()
	}
	return msgpack.Marshal(rec)
}

func decodeSnapshot(blob []byte) (*types.StrategyState, error) {
	var rec snapshotRecord
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return nil, err
	}
	pos, err := decimal.NewFromString(rec.Position)
	if err != nil {
		return nil, err
	}
	avg, err := decimal.NewFromString(rec.AvgPrice)
	if err != nil {
		return nil, err
	}
	s := &types.StrategyState{
		StrategyID:      rec.StrategyID,
		InternalState:   rec.Internal,
		IndicatorData:   rec.Indicators,
		LastSignal:      rec.LastSignal,
		CurrentPosition: pos,
		AveragePrice:    avg,
	}
	if rec.SignalTime > 0 {
		s.SignalTime = time.UnixMilli(rec.SignalTime)
	}
	if rec.UpdatedAt > 0 {
		s.LastUpdateTime = time.UnixMilli(rec.UpdatedAt)
	}
	return s, nil
}
