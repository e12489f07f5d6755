package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository and ports.TradeRepository on SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/quorumbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite serializes writes; a single connection avoids lock contention in the driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		base_quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		take_profit REAL NOT NULL,
		stop_loss REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		status TEXT NOT NULL,
		pnl REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL,
		owning_agent TEXT NOT NULL DEFAULT '',
		thesis TEXT NOT NULL DEFAULT '',
		scale_ins INTEGER NOT NULL DEFAULT 0,
		trailing_armed INTEGER NOT NULL DEFAULT 0,
		atr_at_entry REAL NOT NULL DEFAULT 0,
		client_order_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id INTEGER NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		pnl REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NULL,
		owning_agent TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_trade_history_symbol_entry_time ON trade_history (symbol, entry_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

const positionColumns = `id, symbol, side, quantity, base_quantity, entry_price, COALESCE(exit_price, 0),
       take_profit, stop_loss, entry_time, exit_time, status, COALESCE(pnl, 0),
       COALESCE(close_reason, ''), owning_agent, thesis, scale_ins, trailing_armed, atr_at_entry, client_order_id`

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, quantity, base_quantity, entry_price, take_profit, stop_loss,
	                       entry_time, status, owning_agent, thesis, scale_ins, trailing_armed, atr_at_entry, client_order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.Quantity, pos.BaseQuantity, pos.EntryPrice, pos.TakeProfit, pos.StopLoss,
		pos.EntryTime, pos.Status, pos.OwningAgentID, pos.Thesis, pos.ScaleIns, pos.TrailingArmed, pos.ATRAtEntry, pos.ClientOrderID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET side = ?, quantity = ?, base_quantity = ?, entry_price = ?, exit_price = ?,
	    take_profit = ?, stop_loss = ?, entry_time = ?, exit_time = ?, status = ?, pnl = ?,
	    close_reason = ?, owning_agent = ?, thesis = ?, scale_ins = ?, trailing_armed = ?,
	    atr_at_entry = ?, client_order_id = ?
	WHERE id = ?`

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.Side, pos.Quantity, pos.BaseQuantity, pos.EntryPrice, pos.ExitPrice,
		pos.TakeProfit, pos.StopLoss, pos.EntryTime, exitTime, pos.Status, pos.PNL,
		pos.CloseReason, pos.OwningAgentID, pos.Thesis, pos.ScaleIns, pos.TrailingArmed,
		pos.ATRAtEntry, pos.ClientOrderID,
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w", pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": pos.Status})
	return nil
}

// FindOpen retrieves every position not yet closed, keyed by symbol.
// Pending positions are included so a restart can reconcile them.
func (r *Repository) FindOpen(ctx context.Context) (map[string]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status != ?`

	rows, err := r.db.QueryContext(ctx, query, domain.StatusClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]*domain.Position)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during FindOpen: %w", err)
		}
		positions[pos.Symbol] = pos
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// FindOpenBySymbol retrieves the currently open position for a symbol, if any.
// Returns nil, nil when no open position exists.
func (r *Repository) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE symbol = ? AND status = ?`

	row := r.db.QueryRowContext(ctx, query, symbol, domain.StatusOpen)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for symbol %s: %w", symbol, err)
	}
	return pos, nil
}

// --- TradeRepository Implementation ---

// CreateTrade saves a new trade record and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trade_history (position_id, symbol, side, entry_price, exit_price, quantity, pnl,
	                           entry_time, exit_time, close_reason, owning_agent)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var positionID sql.NullInt64
	if trade.PositionID != 0 {
		positionID = sql.NullInt64{Int64: trade.PositionID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		positionID, trade.Symbol, trade.Side, trade.EntryPrice, trade.ExitPrice, trade.Quantity, trade.PNL,
		trade.EntryTime, trade.ExitTime, trade.CloseReason, trade.OwningAgentID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade history for symbol %s: %w", trade.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade history %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade history created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "pnl": trade.PNL})
	return id, nil
}

// FindBySymbol retrieves the most recent trades for a symbol, up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT id, position_id, symbol, side, entry_price, exit_price, quantity, pnl,
	       entry_time, exit_time, close_reason, owning_agent
	FROM trade_history
	WHERE symbol = ? ORDER BY entry_time DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade history for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade history during FindBySymbol: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade history rows: %w", err)
	}
	return trades, nil
}

// TotalProfit sums PnL over all recorded trades.
func (r *Repository) TotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM trade_history`
	var total float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total profit: %w", err)
	}
	return total, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var exitTime sql.NullTime
	var side, status, closeReason string
	err := s.Scan(
		&p.ID, &p.Symbol, &side, &p.Quantity, &p.BaseQuantity, &p.EntryPrice, &p.ExitPrice,
		&p.TakeProfit, &p.StopLoss, &p.EntryTime, &exitTime, &status, &p.PNL,
		&closeReason, &p.OwningAgentID, &p.Thesis, &p.ScaleIns, &p.TrailingArmed, &p.ATRAtEntry, &p.ClientOrderID)
	if err != nil {
		return nil, err // sql.ErrNoRows handled by the caller
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	p.Side = domain.OrderSide(side)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	return p, nil
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	th := &domain.Trade{}
	var positionID sql.NullInt64
	var side string
	var closeReason sql.NullString
	err := s.Scan(
		&th.ID, &positionID, &th.Symbol, &side, &th.EntryPrice, &th.ExitPrice, &th.Quantity, &th.PNL,
		&th.EntryTime, &th.ExitTime, &closeReason, &th.OwningAgentID)
	if err != nil {
		return nil, err
	}
	if positionID.Valid {
		th.PositionID = positionID.Int64
	}
	th.Side = domain.OrderSide(side)
	if closeReason.Valid {
		th.CloseReason = domain.CloseReason(closeReason.String)
	}
	return th, nil
}
