package store

import (
	"context"
	"database/sql"
	"fmt"
)

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if !readOnly {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("config: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			name TEXT PRIMARY KEY,
			api_id INTEGER NOT NULL,
			api_hash TEXT NOT NULL,
			session_path TEXT NOT NULL DEFAULT '',
			bridge_command TEXT NOT NULL DEFAULT '',
			default_target TEXT NOT NULL DEFAULT '',
			default_language TEXT NOT NULL DEFAULT 'en',
			restore_first_name TEXT NOT NULL DEFAULT '',
			restore_last_name TEXT NOT NULL DEFAULT '',
			restore_photo_path TEXT NOT NULL DEFAULT '',
			photo_path TEXT NOT NULL DEFAULT '',
			ring_timeout_sec INTEGER NOT NULL DEFAULT 0,
			max_duration_sec INTEGER NOT NULL DEFAULT 0,
			audio_min_bitrate INTEGER NOT NULL DEFAULT 0,
			audio_max_bitrate INTEGER NOT NULL DEFAULT 0,
			audio_init_bitrate INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			instance_name TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (instance_name, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("config: apply schema: %w", err)
		}
	}
	return nil
}
