// Package budget tracks daily API usage in a sqlite ledger and gates
// worker invocations against the configured caps.
package budget

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrLimitExceeded is returned by Check when a daily cap is reached.
var ErrLimitExceeded = errors.New("budget limit exceeded")

// Snapshot is today's accumulated usage.
type Snapshot struct {
	Date     string
	APICalls int
	CostUSD  float64
}

// Tracker accumulates per-day, per-worker API call and cost counters.
// All access serialises on the single sqlite connection.
type Tracker struct {
	db               *sql.DB
	maxDailyAPICalls int
	maxDailyCostUSD  float64
}

// Open creates (or opens) the ledger database and its schema.
func Open(dbPath string, maxDailyAPICalls int, maxDailyCostUSD float64) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// Single writer: sqlite performs best with one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %s: %w", pragma, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS budget_log (
			date TEXT NOT NULL,
			worker TEXT NOT NULL,
			api_calls INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (date, worker)
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}

	return &Tracker{
		db:               db,
		maxDailyAPICalls: max(0, maxDailyAPICalls),
		maxDailyCostUSD:  clampCost(maxDailyCostUSD),
	}, nil
}

// Close releases the database connection.
func (t *Tracker) Close() error { return t.db.Close() }

// Enabled reports whether any cap is configured.
func (t *Tracker) Enabled() bool {
	return t.maxDailyAPICalls > 0 || t.maxDailyCostUSD > 0
}

func utcDate() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Today returns the current day's accumulated usage across all workers.
func (t *Tracker) Today() (Snapshot, error) {
	date := utcDate()
	row := t.db.QueryRow(
		`SELECT COALESCE(SUM(api_calls), 0), COALESCE(SUM(cost_usd), 0) FROM budget_log WHERE date = ?`,
		date,
	)
	snap := Snapshot{Date: date}
	if err := row.Scan(&snap.APICalls, &snap.CostUSD); err != nil {
		return snap, fmt.Errorf("reading ledger: %w", err)
	}
	return snap, nil
}

// Check returns ErrLimitExceeded when today's usage meets or exceeds a
// configured cap. Called before each worker invocation.
func (t *Tracker) Check() (Snapshot, error) {
	snap, err := t.Today()
	if err != nil {
		return snap, err
	}
	if t.maxDailyAPICalls > 0 && snap.APICalls >= t.maxDailyAPICalls {
		return snap, fmt.Errorf("%w: MAX_DAILY_API_CALLS used=%d limit=%d",
			ErrLimitExceeded, snap.APICalls, t.maxDailyAPICalls)
	}
	if t.maxDailyCostUSD > 0 && snap.CostUSD >= t.maxDailyCostUSD {
		return snap, fmt.Errorf("%w: MAX_DAILY_COST_USD used=%.6f limit=%.6f",
			ErrLimitExceeded, snap.CostUSD, t.maxDailyCostUSD)
	}
	return snap, nil
}

// Log records usage after an attempt that actually invoked an agent,
// regardless of the attempt's outcome.
func (t *Tracker) Log(worker string, apiCalls int, costUSD float64) error {
	if worker == "" {
		worker = "unknown"
	}
	if apiCalls < 0 {
		apiCalls = 0
	}
	if costUSD < 0 {
		costUSD = 0
	}
	_, err := t.db.Exec(`
		INSERT INTO budget_log (date, worker, api_calls, cost_usd)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date, worker) DO UPDATE SET
			api_calls = api_calls + excluded.api_calls,
			cost_usd = cost_usd + excluded.cost_usd`,
		utcDate(), worker, apiCalls, costUSD,
	)
	if err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	return nil
}

func clampCost(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
