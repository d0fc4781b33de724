package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the postgres database and runs migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// room_log_seq orders every mutation of every room. A row takes a fresh value
// on insert and on each reaction change, so reading seq > cursor returns the
// latest snapshot of everything that changed.
func runMigrations(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE SEQUENCE IF NOT EXISTS room_log_seq;`,
		`CREATE TABLE IF NOT EXISTS room_messages (
            id TEXT PRIMARY KEY,
            room_id TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            author_id TEXT NOT NULL,
            author_username TEXT NOT NULL DEFAULT '',
            content TEXT NOT NULL,
            reply_to TEXT NOT NULL DEFAULT '',
            reactions JSONB NOT NULL DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            seq BIGINT NOT NULL DEFAULT nextval('room_log_seq'),
            UNIQUE(room_id, idempotency_key)
        );`,
		`CREATE INDEX IF NOT EXISTS room_messages_room_seq ON room_messages (room_id, seq);`,
		`CREATE INDEX IF NOT EXISTS room_messages_room_position ON room_messages (room_id, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS presence (
            user_id TEXT PRIMARY KEY,
            state TEXT NOT NULL,
            epoch BIGINT NOT NULL,
            lease_expiry TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS presence_online_lease ON presence (lease_expiry) WHERE state = 'online';`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	slog.Info("database migrations applied", "component", "db")
	return nil
}
