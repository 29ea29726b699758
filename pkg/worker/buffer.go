package worker

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/fleetsim/fleetsim/pkg/cloud"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Buffer is the durable SQLite log buffer. Entries survive agent
// restarts until they are shipped to the control plane.
type Buffer struct {
	db *sql.DB
}

// OpenBuffer opens (creating if needed) the buffer database at path and
// runs pending migrations.
func OpenBuffer(path string) (*Buffer, error) {
	if path == "" {
		return nil, fmt.Errorf("buffer path is required")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open log buffer: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping log buffer: %w", err)
	}

	b := &Buffer{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(b.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the buffer database.
func (b *Buffer) Close() error {
	return b.db.Close()
}

// Append stores one log record.
func (b *Buffer) Append(ctx context.Context, rec cloud.LogRecord) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO log_buffer (time, level, source, message) VALUES (?, ?, ?, ?)`,
		rec.Time.UTC().Format(time.RFC3339Nano), rec.Level, rec.Source, rec.Message,
	)
	if err != nil {
		return fmt.Errorf("buffer log record: %w", err)
	}
	return nil
}

// Pending returns up to limit unshipped records in insertion order,
// together with the row ids needed to delete them after shipping.
func (b *Buffer) Pending(ctx context.Context, limit int) ([]int64, []cloud.LogRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, time, level, source, message FROM log_buffer ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("read log buffer: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var recs []cloud.LogRecord
	for rows.Next() {
		var id int64
		var stamp string
		var rec cloud.LogRecord
		if err := rows.Scan(&id, &stamp, &rec.Level, &rec.Source, &rec.Message); err != nil {
			return nil, nil, fmt.Errorf("scan log record: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, nil, fmt.Errorf("parse log timestamp: %w", err)
		}
		rec.Time = t
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate log buffer: %w", err)
	}
	return ids, recs, nil
}

// Delete removes shipped records by row id.
func (b *Buffer) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM log_buffer WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete log record %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Len returns the number of buffered records.
func (b *Buffer) Len(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_buffer`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count log buffer: %w", err)
	}
	return n, nil
}
