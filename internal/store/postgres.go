package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the three collections if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trading_sessions (
			id UUID PRIMARY KEY,
			participant TEXT NOT NULL,
			mode TEXT NOT NULL,
			start_balance NUMERIC NOT NULL,
			current_balance NUMERIC NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			pnl NUMERIC NOT NULL DEFAULT 0,
			pnl_percent NUMERIC NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_active
			ON trading_sessions (participant, mode, status, created_at DESC);

		CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES trading_sessions(id),
			instrument TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity NUMERIC NOT NULL,
			price NUMERIC NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_session
			ON trades (session_id, timestamp);

		CREATE TABLE IF NOT EXISTS positions (
			session_id UUID NOT NULL REFERENCES trading_sessions(id),
			instrument TEXT NOT NULL,
			quantity NUMERIC NOT NULL,
			avg_price NUMERIC NOT NULL,
			current_price NUMERIC NOT NULL,
			pnl NUMERIC NOT NULL,
			pnl_percent NUMERIC NOT NULL,
			PRIMARY KEY (session_id, instrument)
		);
	`)
	return err
}

const sessionColumns = `id, participant, mode,
	start_balance::TEXT, current_balance::TEXT,
	start_time, end_time, pnl::TEXT, pnl_percent::TEXT, status`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trading_sessions
			(id, participant, mode, start_balance, current_balance,
			 start_time, end_time, pnl, pnl_percent, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8::NUMERIC, $9::NUMERIC, $10)`,
		sess.ID, sess.Participant, string(sess.Mode),
		sess.StartBalance.String(), sess.CurrentBalance.String(),
		sess.StartTime, sess.EndTime,
		sess.PnL.String(), sess.PnLPercent.String(), string(sess.Status),
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM trading_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) GetActiveSession(ctx context.Context, participant string, mode model.Mode) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM trading_sessions
		 WHERE participant = $1 AND mode = $2 AND status = 'active'
		 ORDER BY created_at DESC
		 LIMIT 1`, participant, string(mode))
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active session %s/%s: %w", participant, mode, err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE trading_sessions
		 SET current_balance = $2::NUMERIC, pnl = $3::NUMERIC,
		     pnl_percent = $4::NUMERIC, status = $5, end_time = $6
		 WHERE id = $1`,
		sess.ID, sess.CurrentBalance.String(), sess.PnL.String(),
		sess.PnLPercent.String(), string(sess.Status), sess.EndTime,
	)
	return err
}

func (s *PostgresStore) InsertTrade(ctx context.Context, sessionID string, t model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, session_id, instrument, side, quantity, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		t.ID, sessionID, string(t.Instrument), string(t.Side),
		t.Quantity.String(), t.Price.String(), t.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetTrades(ctx context.Context, sessionID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instrument, side, quantity::TEXT, price::TEXT, timestamp
		 FROM trades WHERE session_id = $1 ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var instrument, side, qtyS, priceS string
		if err := rows.Scan(&t.ID, &instrument, &side, &qtyS, &priceS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Instrument = model.Instrument(instrument)
		t.Side = model.Side(side)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.Price, _ = decimal.NewFromString(priceS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ReplacePositions(ctx context.Context, sessionID string, positions []model.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM positions WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	for _, p := range positions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions
				(session_id, instrument, quantity, avg_price, current_price, pnl, pnl_percent)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)`,
			sessionID, string(p.Instrument),
			p.Quantity.String(), p.AvgCost.String(), p.CurrentPrice.String(),
			p.PnL.String(), p.PnLPercent.String(),
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPositions(ctx context.Context, sessionID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument, quantity::TEXT, avg_price::TEXT, current_price::TEXT,
		        pnl::TEXT, pnl_percent::TEXT
		 FROM positions WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var instrument, qtyS, avgS, curS, pnlS, pctS string
		if err := rows.Scan(&instrument, &qtyS, &avgS, &curS, &pnlS, &pctS); err != nil {
			return nil, err
		}
		p.Instrument = model.Instrument(instrument)
		p.Quantity, _ = decimal.NewFromString(qtyS)
		p.AvgCost, _ = decimal.NewFromString(avgS)
		p.CurrentPrice, _ = decimal.NewFromString(curS)
		p.PnL, _ = decimal.NewFromString(pnlS)
		p.PnLPercent, _ = decimal.NewFromString(pctS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// scanSession reads one session row.
func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var mode, status, startBalS, curBalS, pnlS, pctS string

	err := row.Scan(&sess.ID, &sess.Participant, &mode,
		&startBalS, &curBalS,
		&sess.StartTime, &sess.EndTime, &pnlS, &pctS, &status)
	if err != nil {
		return nil, err
	}

	sess.Mode = model.Mode(mode)
	sess.Status = model.SessionStatus(status)
	sess.StartBalance, _ = decimal.NewFromString(startBalS)
	sess.CurrentBalance, _ = decimal.NewFromString(curBalS)
	sess.PnL, _ = decimal.NewFromString(pnlS)
	sess.PnLPercent, _ = decimal.NewFromString(pctS)
	return &sess, nil
}
