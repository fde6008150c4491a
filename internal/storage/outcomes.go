package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// OutcomeStore is the append-only trade-outcome ledger: one row per closed
// position, kept in SQLite for crash-safe reporting.
type OutcomeStore struct {
	db *sql.DB
}

// Outcome is a single ledger row.
type Outcome struct {
	Timestamp        time.Time
	Strategy         string
	Settings         string
	Timeframe        string
	Asset            string
	PositionID       string
	Direction        string
	InitialValue     decimal.Decimal
	FinalValue       decimal.Decimal
	Profit           decimal.Decimal
	ProfitPercentage decimal.Decimal
	TakeProfitCount  int
	TakeProfitMax    int
	DurationHours    decimal.Decimal
}

// NewOutcomeStore opens the ledger database with WAL mode enabled.
func NewOutcomeStore(dbPath string) (*OutcomeStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS trade_outcomes (
			ts INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			settings TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			asset TEXT NOT NULL,
			id TEXT NOT NULL,
			direction TEXT NOT NULL,
			initial_value TEXT NOT NULL,
			final_value TEXT NOT NULL,
			profit TEXT NOT NULL,
			profit_percentage TEXT NOT NULL,
			take_profit_count INTEGER NOT NULL,
			take_profit_max INTEGER NOT NULL,
			duration_hours TEXT NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade_outcomes table: %w", err)
	}

	return &OutcomeStore{db: db}, nil
}

// Record appends the ledger row for a closed position. Decimals are stored
// as strings to preserve exact values.
func (o *OutcomeStore) Record(ctx context.Context, p *domain.Position) error {
	initialValue := p.InitialValue()
	profit := p.RealizedPnL()
	finalValue := initialValue.Add(profit)

	profitPct := decimal.Zero
	if !initialValue.IsZero() {
		profitPct = profit.Div(initialValue).Mul(decimal.NewFromInt(100))
	}

	_, err := o.db.ExecContext(ctx, `
		INSERT INTO trade_outcomes
			(ts, strategy, settings, timeframe, asset, id, direction,
			 initial_value, final_value, profit, profit_percentage,
			 take_profit_count, take_profit_max, duration_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), p.BotStrategy, p.BotSettings, p.Timeframe,
		p.Asset.Symbol, p.ID, string(p.Direction),
		initialValue.String(), finalValue.String(), profit.String(),
		profitPct.StringFixed(4), p.TakeProfitCount(), p.TakeProfitMax,
		p.DurationHours().StringFixed(4),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade outcome: %w", err)
	}
	return nil
}

// Recent returns the newest ledger rows, most recent first.
func (o *OutcomeStore) Recent(ctx context.Context, limit int) ([]Outcome, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT ts, strategy, settings, timeframe, asset, id, direction,
		       initial_value, final_value, profit, profit_percentage,
		       take_profit_count, take_profit_max, duration_hours
		FROM trade_outcomes ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			row                                              Outcome
			ts                                               int64
			initial, final, profit, profitPct, durationHours string
		)
		if err := rows.Scan(&ts, &row.Strategy, &row.Settings, &row.Timeframe,
			&row.Asset, &row.PositionID, &row.Direction,
			&initial, &final, &profit, &profitPct,
			&row.TakeProfitCount, &row.TakeProfitMax, &durationHours); err != nil {
			return nil, fmt.Errorf("failed to scan trade outcome: %w", err)
		}
		row.Timestamp = time.Unix(ts, 0).UTC()
		if row.InitialValue, err = decimal.NewFromString(initial); err != nil {
			return nil, fmt.Errorf("bad initial_value %q: %w", initial, err)
		}
		if row.FinalValue, err = decimal.NewFromString(final); err != nil {
			return nil, fmt.Errorf("bad final_value %q: %w", final, err)
		}
		if row.Profit, err = decimal.NewFromString(profit); err != nil {
			return nil, fmt.Errorf("bad profit %q: %w", profit, err)
		}
		if row.ProfitPercentage, err = decimal.NewFromString(profitPct); err != nil {
			return nil, fmt.Errorf("bad profit_percentage %q: %w", profitPct, err)
		}
		if row.DurationHours, err = decimal.NewFromString(durationHours); err != nil {
			return nil, fmt.Errorf("bad duration_hours %q: %w", durationHours, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (o *OutcomeStore) Close() error {
	return o.db.Close()
}
