package trace

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the trace schema migrations to the database at dsn.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply trace migrations: %w", err)
	}
	return nil
}

// PGWriter appends event batches to the conversation_events table.
// Rows are inserted in batch order so the (call_id, seq) ordering the
// engine guarantees is visible to readers.
type PGWriter struct {
	pool *pgxpool.Pool
}

// NewPGWriter creates a writer on top of an existing pool. The caller
// owns the pool's lifecycle.
func NewPGWriter(pool *pgxpool.Pool) *PGWriter {
	return &PGWriter{pool: pool}
}

func (w *PGWriter) WriteEvents(ctx context.Context, events []Event) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for %s/%d: %w", ev.CallID, ev.Seq, err)
		}
		batch.Queue(`
			INSERT INTO conversation_events (call_id, seq, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (call_id, seq) DO NOTHING`,
			ev.CallID, ev.Seq, ev.Type, payload, ev.Timestamp)
	}

	results := w.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert conversation event: %w", err)
		}
	}
	return nil
}
