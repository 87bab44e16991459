package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	db       *sql.DB
	capacity int64
}

// NewPostgresStore connects, runs the embedded migrations and returns the store
func NewPostgresStore(ctx context.Context, dsn string, logCapacity int64) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return NewPostgresStoreFromDB(db, logCapacity), nil
}

// NewPostgresStoreFromDB wraps an open connection pool
func NewPostgresStoreFromDB(db *sql.DB, logCapacity int64) *PostgresStore {
	return &PostgresStore{db: db, capacity: logCapacity}
}

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ReadConfig returns the stored value of key
func (s *PostgresStore) ReadConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM gateway_config WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read config %s: %w", key, err)
	}
	return value, nil
}

const upsertConfigQuery = `
        INSERT INTO gateway_config (key, value, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

// WriteConfig upserts key
func (s *PostgresStore) WriteConfig(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, upsertConfigQuery, key, value); err != nil {
		return fmt.Errorf("write config %s: %w", key, err)
	}
	return nil
}

// WriteConfigs upserts all keys in one transaction
func (s *PostgresStore) WriteConfigs(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for k, v := range values {
		if _, err := tx.ExecContext(ctx, upsertConfigQuery, k, v); err != nil {
			return fmt.Errorf("write config %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// AppendLog appends one line
func (s *PostgresStore) AppendLog(ctx context.Context, line string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO gateway_log (line) VALUES ($1)`, line); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ReadLog returns the most recent lines, oldest first
func (s *PostgresStore) ReadLog(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = int(s.capacity)
	}
	query := `
        SELECT line FROM (
            SELECT id, line FROM gateway_log ORDER BY id DESC LIMIT $1
        ) recent ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// PruneLog deletes the n oldest lines
func (s *PostgresStore) PruneLog(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	query := `
        DELETE FROM gateway_log
        WHERE id IN (SELECT id FROM gateway_log ORDER BY id ASC LIMIT $1)`

	res, err := s.db.ExecContext(ctx, query, n)
	if err != nil {
		return 0, fmt.Errorf("prune log: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// LogUsage counts log rows against the capacity
func (s *PostgresStore) LogUsage(ctx context.Context) (Usage, error) {
	var used int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateway_log`).Scan(&used); err != nil {
		return Usage{}, fmt.Errorf("log usage: %w", err)
	}
	return Usage{Used: used, Capacity: s.capacity}, nil
}

// LoadNodes reads the seen-node table
func (s *PostgresStore) LoadNodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dev_addr, last_seen, sf_mask FROM gateway_nodes ORDER BY dev_addr`)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	var records []NodeRecord
	for rows.Next() {
		var (
			addr string
			r    NodeRecord
			mask int16
		)
		if err := rows.Scan(&addr, &r.LastSeen, &mask); err != nil {
			return nil, err
		}
		if r.Address, err = lorawan.ParseDevAddr(addr); err != nil {
			continue
		}
		r.SFMask = uint8(mask)
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveNodes replaces the seen-node table in one transaction
func (s *PostgresStore) SaveNodes(ctx context.Context, records []NodeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM gateway_nodes`); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO gateway_nodes (dev_addr, last_seen, sf_mask) VALUES ($1, $2, $3)`,
			r.Address.String(), r.LastSeen, int16(r.SFMask))
		if err != nil {
			return fmt.Errorf("insert node %s: %w", r.Address, err)
		}
	}
	return tx.Commit()
}
