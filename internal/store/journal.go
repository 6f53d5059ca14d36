// Package store persists trade records and daily aggregates to SQLite.
// Writes are idempotent on contract_id so replayed lifecycle events after
// a crash-restart leave the journal unchanged.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/volatility-desk/trading-agent/pkg/types"
)

// Journal is the append-only trade sink plus the DailyStat table.
type Journal struct {
	logger *zap.Logger
	mu     sync.Mutex
	db     *sql.DB
}

// NewJournal opens (or creates) the journal database.
func NewJournal(logger *zap.Logger, dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		contract_id     INTEGER PRIMARY KEY,
		symbol          TEXT NOT NULL,
		contract_type   TEXT NOT NULL,
		entry_time      DATETIME NOT NULL,
		entry_price     TEXT NOT NULL,
		stake           TEXT NOT NULL,
		trigger_reason  TEXT NOT NULL,
		status          TEXT NOT NULL,
		exit_time       DATETIME,
		exit_price      TEXT,
		exit_reason     TEXT,
		profit          TEXT,
		account_balance TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

	CREATE TABLE IF NOT EXISTS daily_stats (
		date               TEXT PRIMARY KEY,
		accumulated_profit TEXT NOT NULL DEFAULT '0',
		trades_taken       INTEGER NOT NULL DEFAULT 0,
		is_cap_reached     INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	logger.Named("store").Info("trade journal opened", zap.String("path", dbPath))
	return &Journal{logger: logger.Named("store"), db: db}, nil
}

// RecordEntry persists a freshly opened trade. Replaying the same
// contract_id is a no-op.
func (j *Journal) RecordEntry(t *types.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO trades (contract_id, symbol, contract_type, entry_time, entry_price, stake, trigger_reason, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(contract_id) DO NOTHING`,
		t.ContractID,
		t.Symbol,
		string(t.ContractType),
		t.EntryTime.UTC().Format(time.RFC3339),
		t.EntryPrice.String(),
		t.Stake.String(),
		t.TriggerReason,
		string(types.TradeStatusOpen),
	)
	return err
}

// RecordExit finalizes a trade and, exactly once per contract, folds its
// profit into the day's aggregate. The OPEN-status predicate is what
// makes a replayed close idempotent for both tables.
func (j *Journal) RecordExit(t *types.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE trades
		 SET status = ?, exit_time = ?, exit_price = ?, exit_reason = ?, profit = ?, account_balance = ?
		 WHERE contract_id = ? AND status = ?`,
		string(types.TradeStatusClosed),
		t.ExitTime.UTC().Format(time.RFC3339),
		t.ExitPrice.String(),
		string(t.ExitReason),
		t.Profit.String(),
		t.AccountBalance.String(),
		t.ContractID,
		string(types.TradeStatusOpen),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Already finalized (replay) or never journaled; nothing to add.
		return tx.Commit()
	}

	date := types.UTCDate(t.ExitTime)
	if err := upsertDailyTx(tx, date, t.Profit); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertDailyStat applies an atomic profit increment for a date.
func (j *Journal) UpsertDailyStat(date string, profitDelta decimal.Decimal) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertDailyTx(tx, date, profitDelta); err != nil {
		return err
	}
	return tx.Commit()
}

// upsertDailyTx increments one date row. SQLite has no decimal column
// type, so the accumulated profit round-trips through decimal strings
// inside the transaction rather than float arithmetic in SQL.
func upsertDailyTx(tx *sql.Tx, date string, profitDelta decimal.Decimal) error {
	var current string
	err := tx.QueryRow(`SELECT accumulated_profit FROM daily_stats WHERE date = ?`, date).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(
			`INSERT INTO daily_stats (date, accumulated_profit, trades_taken) VALUES (?, ?, 1)`,
			date, profitDelta.String())
		return err
	case err != nil:
		return err
	}

	acc, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("corrupt daily stat for %s: %w", date, err)
	}
	_, err = tx.Exec(
		`UPDATE daily_stats SET accumulated_profit = ?, trades_taken = trades_taken + 1 WHERE date = ?`,
		acc.Add(profitDelta).String(), date)
	return err
}

// MarkCapReached latches the cap flag for a date.
func (j *Journal) MarkCapReached(date string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO daily_stats (date, is_cap_reached) VALUES (?, 1)
		 ON CONFLICT(date) DO UPDATE SET is_cap_reached = 1`, date)
	return err
}

// DailyStat loads one date's aggregate; a missing row is a zero stat.
func (j *Journal) DailyStat(date string) (types.DailyStat, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stat := types.DailyStat{Date: date, AccumulatedProfit: decimal.Zero}
	var acc string
	var capReached int
	err := j.db.QueryRow(
		`SELECT accumulated_profit, trades_taken, is_cap_reached FROM daily_stats WHERE date = ?`, date,
	).Scan(&acc, &stat.TradesTaken, &capReached)
	if err == sql.ErrNoRows {
		return stat, nil
	}
	if err != nil {
		return stat, err
	}
	stat.AccumulatedProfit, err = decimal.NewFromString(acc)
	if err != nil {
		return stat, fmt.Errorf("corrupt daily stat for %s: %w", date, err)
	}
	stat.IsCapReached = capReached != 0
	return stat, nil
}

// RecentTrades returns the last n trades, newest first.
func (j *Journal) RecentTrades(n int) ([]types.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT contract_id, symbol, contract_type, entry_time, entry_price, stake, trigger_reason, status,
		        COALESCE(exit_time, ''), COALESCE(exit_price, ''), COALESCE(exit_reason, ''),
		        COALESCE(profit, ''), COALESCE(account_balance, '')
		 FROM trades ORDER BY entry_time DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var entryTime, entryPrice, stake, exitTime, exitPrice, exitReason, profit, balance string
		var ctype, status string
		if err := rows.Scan(&t.ContractID, &t.Symbol, &ctype, &entryTime, &entryPrice, &stake,
			&t.TriggerReason, &status, &exitTime, &exitPrice, &exitReason, &profit, &balance); err != nil {
			return nil, err
		}
		t.ContractType = types.ContractType(ctype)
		t.Status = types.TradeStatus(status)
		t.EntryTime, _ = time.Parse(time.RFC3339, entryTime)
		t.EntryPrice, _ = decimal.NewFromString(entryPrice)
		t.Stake, _ = decimal.NewFromString(stake)
		if exitTime != "" {
			t.ExitTime, _ = time.Parse(time.RFC3339, exitTime)
		}
		if exitPrice != "" {
			t.ExitPrice, _ = decimal.NewFromString(exitPrice)
		}
		t.ExitReason = types.ExitReason(exitReason)
		if profit != "" {
			t.Profit, _ = decimal.NewFromString(profit)
		}
		if balance != "" {
			t.AccountBalance, _ = decimal.NewFromString(balance)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
