package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// SaveOrder inserts the order row. When the id already exists, only the
// status, execution fields, fills and update time are updated; the other
// columns keep their first-saved values.
func (d *Database) SaveOrder(ctx context.Context, o *types.Order) error {
	fills, err := json.Marshal(o.Fills)
	if err != nil {
		return fmt.Errorf("marshal fills: %w", err)
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, client_order_id, strategy_id, exchange, symbol, side, type,
			time_in_force, quantity, price, stop_price, status, executed_qty,
			cum_quote_qty, avg_price, fills, created_at, update_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			executed_qty = excluded.executed_qty,
			cum_quote_qty = excluded.cum_quote_qty,
			avg_price = excluded.avg_price,
			fills = excluded.fills,
			update_time = excluded.update_time
	`,
		o.ID, o.ClientOrderID, o.StrategyID, o.Exchange, string(o.Symbol),
		string(o.Side), string(o.Type), string(o.TimeInForce),
		o.Quantity.String(), o.Price.String(), o.StopPrice.String(),
		string(o.Status), o.ExecutedQuantity.String(),
		o.CumulativeQuoteQuantity.String(), o.AveragePrice.String(),
		string(fills), o.Timestamp, o.UpdateTime,
	)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

const orderColumns = `id, client_order_id, strategy_id, exchange, symbol, side, type,
	time_in_force, quantity, price, stop_price, status, executed_qty,
	cum_quote_qty, avg_price, fills, created_at, update_time`

// GetOrder reads one order by exchange id.
func (d *Database) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

// ListOrders returns orders matching the filter, oldest first.
func (d *Database) ListOrders(ctx context.Context, f OrderFilter) ([]*types.Order, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.StrategyID != "" {
		conds = append(conds, "strategy_id = ?")
		args = append(args, f.StrategyID)
	}
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, string(f.Symbol))
	}
	if f.Exchange != "" {
		conds = append(conds, "exchange = ?")
		args = append(args, f.Exchange)
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at ASC"

	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteOrder removes an order row (explicit purge only).
func (d *Database) DeleteOrder(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*types.Order, error) {
	var o types.Order
	var symbol, side, typ, tif, status string
	var qty, price, stop, executed, cumQuote, avg string
	var fills sql.NullString

	err := s.Scan(
		&o.ID, &o.ClientOrderID, &o.StrategyID, &o.Exchange, &symbol, &side,
		&typ, &tif, &qty, &price, &stop, &status, &executed, &cumQuote, &avg,
		&fills, &o.Timestamp, &o.UpdateTime,
	)
	if err != nil {
		return nil, err
	}

	o.Symbol = types.Symbol(symbol)
	o.Side = types.Side(side)
	o.Type = types.OrderType(typ)
	o.TimeInForce = types.TimeInForce(tif)
	o.Status = types.OrderStatus(status)

	for _, conv := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Quantity, qty}, {&o.Price, price}, {&o.StopPrice, stop},
		{&o.ExecutedQuantity, executed}, {&o.CumulativeQuoteQuantity, cumQuote},
		{&o.AveragePrice, avg},
	} {
		d, err := decimal.NewFromString(conv.src)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad decimal %q: %w", o.ID, conv.src, err)
		}
		*conv.dst = d
	}

	if fills.Valid && fills.String != "" {
		if err := json.Unmarshal([]byte(fills.String), &o.Fills); err != nil {
			return nil, fmt.Errorf("order %s: bad fills: %w", o.ID, err)
		}
	}
	return &o, nil
}

// SaveState upserts the snapshot blob for a strategy.
func (d *Database) SaveState(ctx context.Context, strategyID string, snapshot []byte) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_states (strategy_id, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP
	`, strategyID, snapshot)
	return err
}

// GetState reads the snapshot blob for a strategy.
func (d *Database) GetState(ctx context.Context, strategyID string) ([]byte, error) {
	var blob []byte
	err := d.DB.QueryRowContext(ctx,
		`SELECT snapshot FROM strategy_states WHERE strategy_id = ?`, strategyID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return blob, err
}

// DeleteState removes a strategy's snapshot (strategy deletion cleanup).
func (d *Database) DeleteState(ctx context.Context, strategyID string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM strategy_states WHERE strategy_id = ?`, strategyID)
	return err
}

// AppendSnapshot inserts one account snapshot row.
func (d *Database) AppendSnapshot(ctx context.Context, exchange string, at time.Time, payload []byte) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO account_snapshots (exchange, taken_at, payload) VALUES (?, ?, ?)
	`, exchange, at, payload)
	return err
}

// ListSnapshots reads snapshots for an exchange newest-first.
func (d *Database) ListSnapshots(ctx context.Context, exchange string, since time.Time, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, exchange, taken_at, payload FROM account_snapshots
		WHERE exchange = ? AND taken_at >= ?
		ORDER BY taken_at DESC LIMIT ?
	`, exchange, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.ID, &r.Exchange, &r.At, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
