package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetSetting returns a single instance-scoped setting value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE instance_name = ? AND key = ?`,
		s.instanceName, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", NotFoundError{Entity: "setting", Key: key}
	}
	if err != nil {
		return "", fmt.Errorf("config: load setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a single instance-scoped setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (instance_name, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(instance_name, key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP`,
			s.instanceName, key, value,
		)
		if err != nil {
			return fmt.Errorf("config: save setting %s: %w", key, err)
		}
		return nil
	})
}

// Settings loads every setting for the store's instance.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE instance_name = ?`, s.instanceName)
	if err != nil {
		return nil, fmt.Errorf("config: load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("config: load settings: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
