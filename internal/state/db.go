package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Embedded SQLite driver

	"github.com/elys-network/supervault/internal/logger"
)

var (
	ErrNotFound               = errors.New("record not found")
	ErrOutcomeAlreadyRecorded = errors.New("outcome already recorded for pattern")
	ErrDuplicateReceipt       = errors.New("receipt already exists")
)

// Dialect selects the SQL flavour of the backing database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// Store is the durable home of patterns, decisions, receipts and parameters.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
}

// OpenPostgres opens and pings a PostgreSQL connection pool.
func OpenPostgres(cfg DBConfig) (*Store, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewStore(db, DialectPostgres)
	s.logger.Info().Msg("Successfully connected to the PostgreSQL database!")
	return s, nil
}

// OpenSQLite opens a SQLite database file, or an in-memory database for ":memory:".
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if path != ":memory:" {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
			}
		}
	}

	s := NewStore(db, DialectSQLite)
	s.logger.Info().Str("path", path).Msg("Opened SQLite database")
	return s, nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.GetForComponent("state_store"),
	}
}

// Close closes the database connection pool.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.logger.Info().Msg("Closing database connection...")
	if err := s.db.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing database connection")
	}
}

// Ping tests if the database connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Dialect reports the SQL flavour in use.
func (s *Store) Dialect() Dialect { return s.dialect }

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $n placeholders into SQLite's ?n numbered form.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	serial, double, boolean := "SERIAL PRIMARY KEY", "DOUBLE PRECISION", "BOOLEAN"
	if s.dialect == DialectSQLite {
		serial, double, boolean = "INTEGER PRIMARY KEY AUTOINCREMENT", "REAL", "INTEGER"
	}
	ddl := strings.NewReplacer("{{serial}}", serial, "{{double}}", double, "{{bool}}", boolean).Replace(schemaSQL)

	// SQLite drivers execute one statement per Exec call.
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema DDL: %w", err)
		}
	}
	s.logger.Info().Str("dialect", string(s.dialect)).Msg("Database schema ensured.")
	return nil
}

// schemaTables lists every table EnsureSchema creates.
var schemaTables = []string{"strategy_parameters", "knowledge_patterns", "decisions", "execution_receipts", "cycle_counter"}

// DropSchema drops every table. Only the reset script calls it.
func (s *Store) DropSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	for _, table := range schemaTables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	s.logger.Warn().Strs("tables", schemaTables).Msg("Database schema dropped.")
	return nil
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS strategy_parameters (
		params_id {{serial}},
		version INTEGER NOT NULL DEFAULT 1,
		config_name VARCHAR(255) NOT NULL DEFAULT 'default',
		is_active {{bool}} NOT NULL DEFAULT FALSE,
		activated_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		params_json TEXT NOT NULL,
		CONSTRAINT uq_strategy_parameters_config_version UNIQUE (config_name, version)
	);
	CREATE INDEX IF NOT EXISTS idx_strategy_parameters_config_active ON strategy_parameters(config_name, is_active, activated_at);

	-- Append-only pattern log, outcomes are back-filled once.
	CREATE TABLE IF NOT EXISTS knowledge_patterns (
		pattern_id VARCHAR(64) PRIMARY KEY,
		venue_id VARCHAR(64) NOT NULL,
		observed_at BIGINT NOT NULL,
		apy {{double}} NOT NULL,
		health_factor {{double}} NOT NULL,
		utilization {{double}} NOT NULL,
		validator_performance {{double}} NOT NULL,
		outcome_success {{bool}},
		realized_delta {{double}},
		resolved_at BIGINT
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_patterns_observed_at ON knowledge_patterns(observed_at);

	CREATE TABLE IF NOT EXISTS decisions (
		decision_id VARCHAR(64) PRIMARY KEY,
		cycle_number INTEGER NOT NULL,
		tick VARCHAR(16) NOT NULL,
		strategy VARCHAR(64) NOT NULL,
		venue_id VARCHAR(64) NOT NULL,
		action VARCHAR(32) NOT NULL,
		amount TEXT NOT NULL,
		total_assets TEXT NOT NULL,
		confidence {{double}} NOT NULL,
		rationale TEXT NOT NULL,
		snapshot_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		pattern_id VARCHAR(64),
		status VARCHAR(16),
		deferred {{bool}} NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);

	CREATE TABLE IF NOT EXISTS execution_receipts (
		decision_id VARCHAR(64) NOT NULL,
		leg INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		status VARCHAR(16) NOT NULL,
		tx_ref VARCHAR(80),
		strategy VARCHAR(64) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		amount TEXT NOT NULL,
		error TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (decision_id, leg, attempt)
	);
	CREATE INDEX IF NOT EXISTS idx_execution_receipts_status ON execution_receipts(status);

	-- Cycle counter table for persistent global cycle tracking
	CREATE TABLE IF NOT EXISTS cycle_counter (
		id INTEGER PRIMARY KEY DEFAULT 1,
		current_cycle INTEGER NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0,
		CONSTRAINT single_row_check CHECK (id = 1)
	);

	INSERT INTO cycle_counter (id, current_cycle) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`
