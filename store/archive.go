package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ArchivedTrade is one closed (or partially closed) trade row. Mirrors the
// JSON closed-trade shape; the archive is append-only and uncapped, unlike
// the hot trade_history.json file.
type ArchivedTrade struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Direction   string    `json:"direction"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    float64   `json:"quantity"`
	NotionalUSD float64   `json:"notional_usd"`
	PnL         float64   `json:"pnl"`
	Leverage    int       `json:"leverage"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	CloseReason string    `json:"close_reason"`
}

// CoinStats aggregates archived trades per symbol for the performance report.
type CoinStats struct {
	Symbol   string  `json:"symbol"`
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	TotalPnL float64 `json:"total_pnl"`
}

// Archive is the cold sqlite store for the full closed-trade history.
type Archive struct {
	db *sql.DB
}

func OpenArchive(dataDir string) (*Archive, error) {
	dbPath := filepath.Join(dataDir, "trades.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping trade archive: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate trade archive: %w", err)
	}
	return a, nil
}

func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Archive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		notional_usd REAL DEFAULT 0,
		pnl REAL DEFAULT 0,
		leverage INTEGER DEFAULT 1,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME NOT NULL,
		close_reason TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time DESC);
	`
	_, err := a.db.Exec(query)
	return err
}

// InsertTrade appends one closed trade.
func (a *Archive) InsertTrade(t *ArchivedTrade) error {
	_, err := a.db.Exec(`
		INSERT OR REPLACE INTO trades (id, symbol, direction, entry_price, exit_price, quantity, notional_usd, pnl, leverage, entry_time, exit_time, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Symbol, t.Direction, t.EntryPrice, t.ExitPrice, t.Quantity,
		t.NotionalUSD, t.PnL, t.Leverage, t.EntryTime, t.ExitTime, t.CloseReason)
	return err
}

// TradesBySymbol returns the most recent archived trades for a symbol.
func (a *Archive) TradesBySymbol(symbol string, limit int) ([]*ArchivedTrade, error) {
	rows, err := a.db.Query(`
		SELECT id, symbol, direction, entry_price, exit_price, quantity, notional_usd, pnl, leverage, entry_time, exit_time, close_reason
		FROM trades WHERE symbol = ?
		ORDER BY exit_time DESC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*ArchivedTrade
	for rows.Next() {
		var t ArchivedTrade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Direction, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.NotionalUSD, &t.PnL, &t.Leverage, &t.EntryTime, &t.ExitTime, &t.CloseReason); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// CoinAggregates returns per-symbol win/loss/pnl aggregates over the whole
// archive, ordered by total pnl descending.
func (a *Archive) CoinAggregates() ([]*CoinStats, error) {
	rows, err := a.db.Query(`
		SELECT symbol,
		       COUNT(*),
		       SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END),
		       COALESCE(SUM(pnl), 0)
		FROM trades
		GROUP BY symbol
		ORDER BY SUM(pnl) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*CoinStats
	for rows.Next() {
		var s CoinStats
		if err := rows.Scan(&s.Symbol, &s.Trades, &s.Wins, &s.Losses, &s.TotalPnL); err != nil {
			return nil, err
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}

// TotalPnL returns the realized pnl over the whole archive.
func (a *Archive) TotalPnL() (float64, error) {
	var pnl float64
	err := a.db.QueryRow(`SELECT COALESCE(SUM(pnl), 0) FROM trades`).Scan(&pnl)
	return pnl, err
}
