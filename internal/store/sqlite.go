package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fundarb/internal/core"
	apperrors "fundarb/pkg/errors"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                   TEXT PRIMARY KEY,
	pair                 TEXT NOT NULL,
	long_exchange        TEXT NOT NULL,
	short_exchange       TEXT NOT NULL,
	size_usd             TEXT NOT NULL,
	long_size            TEXT,
	short_size           TEXT,
	long_entry_price     TEXT,
	short_entry_price    TEXT,
	leverage_long        INTEGER NOT NULL,
	leverage_short       INTEGER NOT NULL,
	entry_timestamp      TIMESTAMP NOT NULL,
	entry_funding_spread TEXT NOT NULL,
	status               TEXT NOT NULL,
	close_timestamp      TIMESTAMP,
	realized_pnl         TEXT,
	funding_collected    TEXT NOT NULL DEFAULT '0',
	total_fees           TEXT NOT NULL DEFAULT '0',
	long_close_price     TEXT,
	short_close_price    TEXT,
	notes                TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_open_pair
	ON positions(pair) WHERE status = 'OPEN';

CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	position_id    TEXT NOT NULL REFERENCES positions(id),
	exchange       TEXT NOT NULL,
	pair           TEXT NOT NULL,
	side           TEXT NOT NULL,
	action         TEXT NOT NULL,
	type           TEXT NOT NULL,
	price          TEXT,
	size           TEXT NOT NULL,
	fee            TEXT NOT NULL,
	venue_order_id TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	executed_at    TIMESTAMP,
	latency_ms     INTEGER,
	error          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS ix_trades_position ON trades(position_id);

CREATE TABLE IF NOT EXISTS funding_events (
	id            TEXT PRIMARY KEY,
	position_id   TEXT NOT NULL REFERENCES positions(id),
	exchange      TEXT NOT NULL,
	pair          TEXT NOT NULL,
	side          TEXT NOT NULL,
	funding_rate  TEXT NOT NULL,
	payment_usd   TEXT NOT NULL,
	position_size TEXT NOT NULL,
	timestamp     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_funding_position ON funding_events(position_id);

CREATE TABLE IF NOT EXISTS system_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullable column helpers

func decToNull(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullToDec(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func timeToNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullToTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (s *SQLiteStore) CreatePositionWithTrades(ctx context.Context, pos *core.Position, trades []*core.Trade) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (
			id, pair, long_exchange, short_exchange, size_usd,
			long_size, short_size, long_entry_price, short_entry_price,
			leverage_long, leverage_short, entry_timestamp, entry_funding_spread,
			status, funding_collected, total_fees, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.Pair, pos.LongExchange, pos.ShortExchange, pos.SizeUSD.String(),
		decToNull(pos.LongSize), decToNull(pos.ShortSize),
		decToNull(pos.LongEntryPrice), decToNull(pos.ShortEntryPrice),
		pos.LeverageLong, pos.LeverageShort, pos.EntryTimestamp.UTC(), pos.EntryFundingSpread.String(),
		string(pos.Status), pos.FundingCollected.String(), pos.TotalFees.String(), pos.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pair %s: %w", pos.Pair, apperrors.ErrDuplicateOpenPosition)
		}
		return fmt.Errorf("failed to insert position: %w", err)
	}

	for _, trade := range trades {
		if err := insertTrade(ctx, tx, trade); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) UpdatePositionWithTrades(ctx context.Context, pos *core.Position, trades []*core.Trade) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET
			status = ?, close_timestamp = ?, realized_pnl = ?,
			funding_collected = ?, total_fees = ?,
			long_close_price = ?, short_close_price = ?, notes = ?
		WHERE id = ?`,
		string(pos.Status), timeToNull(pos.CloseTimestamp), decToNull(pos.RealizedPnL),
		pos.FundingCollected.String(), pos.TotalFees.String(),
		decToNull(pos.LongClosePrice), decToNull(pos.ShortClosePrice), pos.Notes,
		pos.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s: %w", pos.ID, apperrors.ErrPositionNotFound)
	}

	for _, trade := range trades {
		if err := insertTrade(ctx, tx, trade); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertTrade(ctx context.Context, tx *sql.Tx, trade *core.Trade) error {
	var latency sql.NullInt64
	if trade.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *trade.LatencyMs, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trades (
			id, position_id, exchange, pair, side, action, type,
			price, size, fee, venue_order_id, status,
			created_at, executed_at, latency_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.PositionID, trade.Exchange, trade.Pair,
		string(trade.Side), string(trade.Action), string(trade.Type),
		decToNull(trade.Price), trade.Size.String(), trade.Fee.String(),
		trade.VenueOrderID, string(trade.Status),
		trade.CreatedAt.UTC(), timeToNull(trade.ExecutedAt), latency, trade.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordFunding(ctx context.Context, event *core.FundingEvent) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var collected string
	err = tx.QueryRowContext(ctx,
		`SELECT funding_collected FROM positions WHERE id = ?`, event.PositionID,
	).Scan(&collected)
	if err == sql.ErrNoRows {
		return fmt.Errorf("position %s: %w", event.PositionID, apperrors.ErrPositionNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}

	current, err := decimal.NewFromString(collected)
	if err != nil {
		return fmt.Errorf("corrupt funding_collected for %s: %w", event.PositionID, err)
	}
	updated := current.Add(event.PaymentUSD)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO funding_events (
			id, position_id, exchange, pair, side,
			funding_rate, payment_usd, position_size, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.PositionID, event.Exchange, event.Pair, string(event.Side),
		event.FundingRate.String(), event.PaymentUSD.String(),
		event.PositionSize.String(), event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert funding event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE positions SET funding_collected = ? WHERE id = ?`,
		updated.String(), event.PositionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update funding_collected: %w", err)
	}

	return tx.Commit()
}

const positionColumns = `
	id, pair, long_exchange, short_exchange, size_usd,
	long_size, short_size, long_entry_price, short_entry_price,
	leverage_long, leverage_short, entry_timestamp, entry_funding_spread,
	status, close_timestamp, realized_pnl, funding_collected, total_fees,
	long_close_price, short_close_price, notes`

func scanPosition(row interface{ Scan(...any) error }) (*core.Position, error) {
	var (
		pos                                  core.Position
		sizeUSD, spread, collected, fees     string
		longSize, shortSize, longEP, shortEP sql.NullString
		pnl, longCP, shortCP                 sql.NullString
		closeTS                              sql.NullTime
		status                               string
	)

	err := row.Scan(
		&pos.ID, &pos.Pair, &pos.LongExchange, &pos.ShortExchange, &sizeUSD,
		&longSize, &shortSize, &longEP, &shortEP,
		&pos.LeverageLong, &pos.LeverageShort, &pos.EntryTimestamp, &spread,
		&status, &closeTS, &pnl, &collected, &fees,
		&longCP, &shortCP, &pos.Notes,
	)
	if err != nil {
		return nil, err
	}

	pos.Status = core.PositionStatus(status)
	pos.CloseTimestamp = nullToTime(closeTS)

	if pos.SizeUSD, err = decimal.NewFromString(sizeUSD); err != nil {
		return nil, err
	}
	if pos.EntryFundingSpread, err = decimal.NewFromString(spread); err != nil {
		return nil, err
	}
	if pos.FundingCollected, err = decimal.NewFromString(collected); err != nil {
		return nil, err
	}
	if pos.TotalFees, err = decimal.NewFromString(fees); err != nil {
		return nil, err
	}
	if pos.LongSize, err = nullToDec(longSize); err != nil {
		return nil, err
	}
	if pos.ShortSize, err = nullToDec(shortSize); err != nil {
		return nil, err
	}
	if pos.LongEntryPrice, err = nullToDec(longEP); err != nil {
		return nil, err
	}
	if pos.ShortEntryPrice, err = nullToDec(shortEP); err != nil {
		return nil, err
	}
	if pos.RealizedPnL, err = nullToDec(pnl); err != nil {
		return nil, err
	}
	if pos.LongClosePrice, err = nullToDec(longCP); err != nil {
		return nil, err
	}
	if pos.ShortClosePrice, err = nullToDec(shortCP); err != nil {
		return nil, err
	}

	return &pos, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %s: %w", id, apperrors.ErrPositionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	return pos, nil
}

func (s *SQLiteStore) GetOpenPositionForPair(ctx context.Context, pair string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE pair = ? AND status = 'OPEN'`, pair)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	return pos, nil
}

func (s *SQLiteStore) GetOpenPositions(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'OPEN' ORDER BY entry_timestamp`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (s *SQLiteStore) GetPositions(ctx context.Context, limit int) ([]*core.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY entry_timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

func collectPositions(rows *sql.Rows) ([]*core.Position, error) {
	var out []*core.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetTradesForPosition(ctx context.Context, positionID string) ([]*core.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, exchange, pair, side, action, type,
			price, size, fee, venue_order_id, status,
			created_at, executed_at, latency_ms, error
		FROM trades WHERE position_id = ? ORDER BY created_at`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []*core.Trade
	for rows.Next() {
		var (
			trade             core.Trade
			side, action, typ string
			status            string
			price             sql.NullString
			size, fee         string
			executedAt        sql.NullTime
			latency           sql.NullInt64
		)
		err := rows.Scan(
			&trade.ID, &trade.PositionID, &trade.Exchange, &trade.Pair,
			&side, &action, &typ, &price, &size, &fee,
			&trade.VenueOrderID, &status, &trade.CreatedAt,
			&executedAt, &latency, &trade.Error,
		)
		if err != nil {
			return nil, err
		}
		trade.Side = core.PositionSide(side)
		trade.Action = core.TradeAction(action)
		trade.Type = core.OrderType(typ)
		trade.Status = core.TradeStatus(status)
		trade.ExecutedAt = nullToTime(executedAt)
		if latency.Valid {
			v := latency.Int64
			trade.LatencyMs = &v
		}
		if trade.Price, err = nullToDec(price); err != nil {
			return nil, err
		}
		if trade.Size, err = decimal.NewFromString(size); err != nil {
			return nil, err
		}
		if trade.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		out = append(out, &trade)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetFundingEvents(ctx context.Context, positionID string) ([]*core.FundingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, exchange, pair, side,
			funding_rate, payment_usd, position_size, timestamp
		FROM funding_events WHERE position_id = ? ORDER BY timestamp`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding events: %w", err)
	}
	defer rows.Close()

	var out []*core.FundingEvent
	for rows.Next() {
		event, err := scanFundingEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastFundingEventTime(ctx context.Context, positionID, exchange string) (*core.FundingEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, position_id, exchange, pair, side,
			funding_rate, payment_usd, position_size, timestamp
		FROM funding_events
		WHERE position_id = ? AND exchange = ?
		ORDER BY timestamp DESC LIMIT 1`, positionID, exchange)
	event, err := scanFundingEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read funding event: %w", err)
	}
	return event, nil
}

func scanFundingEvent(row interface{ Scan(...any) error }) (*core.FundingEvent, error) {
	var (
		event           core.FundingEvent
		side            string
		rate, pay, size string
	)
	err := row.Scan(
		&event.ID, &event.PositionID, &event.Exchange, &event.Pair, &side,
		&rate, &pay, &size, &event.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	event.Side = core.PositionSide(side)
	if event.FundingRate, err = decimal.NewFromString(rate); err != nil {
		return nil, err
	}
	if event.PaymentUSD, err = decimal.NewFromString(pay); err != nil {
		return nil, err
	}
	if event.PositionSize, err = decimal.NewFromString(size); err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state: %w", err)
	}
	return value, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
