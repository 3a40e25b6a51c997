package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Identity is a Telegram account the daemon can place calls from.
// APIHash is stored encrypted at rest.
type Identity struct {
	Name             string
	APIID            int
	APIHash          string
	SessionPath      string
	BridgeCommand    string
	DefaultTarget    string
	DefaultLanguage  string
	RestoreFirstName string
	RestoreLastName  string
	RestorePhotoPath string
	PhotoPath        string
	RingTimeout      time.Duration
	MaxDuration      time.Duration
	AudioMinBitrate  int
	AudioMaxBitrate  int
	AudioInitBitrate int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SaveIdentity inserts or replaces an identity record.
func (s *Store) SaveIdentity(ctx context.Context, ident Identity) error {
	if ident.Name == "" {
		return errors.New("config: identity name is required")
	}
	encHash, err := s.encryptValue(ident.APIHash)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (
				name, api_id, api_hash, session_path, bridge_command,
				default_target, default_language,
				restore_first_name, restore_last_name, restore_photo_path,
				photo_path, ring_timeout_sec, max_duration_sec,
				audio_min_bitrate, audio_max_bitrate, audio_init_bitrate,
				updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				api_id = excluded.api_id,
				api_hash = excluded.api_hash,
				session_path = excluded.session_path,
				bridge_command = excluded.bridge_command,
				default_target = excluded.default_target,
				default_language = excluded.default_language,
				restore_first_name = excluded.restore_first_name,
				restore_last_name = excluded.restore_last_name,
				restore_photo_path = excluded.restore_photo_path,
				photo_path = excluded.photo_path,
				ring_timeout_sec = excluded.ring_timeout_sec,
				max_duration_sec = excluded.max_duration_sec,
				audio_min_bitrate = excluded.audio_min_bitrate,
				audio_max_bitrate = excluded.audio_max_bitrate,
				audio_init_bitrate = excluded.audio_init_bitrate,
				updated_at = CURRENT_TIMESTAMP`,
			ident.Name, ident.APIID, encHash, ident.SessionPath, ident.BridgeCommand,
			ident.DefaultTarget, ident.DefaultLanguage,
			ident.RestoreFirstName, ident.RestoreLastName, ident.RestorePhotoPath,
			ident.PhotoPath,
			int(ident.RingTimeout.Seconds()), int(ident.MaxDuration.Seconds()),
			ident.AudioMinBitrate, ident.AudioMaxBitrate, ident.AudioInitBitrate,
		)
		if err != nil {
			return fmt.Errorf("config: save identity %s: %w", ident.Name, err)
		}
		return nil
	})
}

// GetIdentity loads an identity by name, decrypting the API hash.
func (s *Store) GetIdentity(ctx context.Context, name string) (Identity, error) {
	row := s.db.QueryRowContext(ctx, identitySelect+` WHERE name = ?`, name)
	ident, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, NotFoundError{Entity: "identity", Key: name}
		}
		return Identity{}, fmt.Errorf("config: load identity %s: %w", name, err)
	}
	ident.APIHash, err = s.decryptValue(ident.APIHash)
	if err != nil {
		return Identity{}, fmt.Errorf("config: decrypt identity %s: %w", name, err)
	}
	return ident, nil
}

// ListIdentities returns all identities ordered by name. API hashes are
// left encrypted; use GetIdentity when the secret is needed.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, identitySelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("config: list identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("config: list identities: %w", err)
		}
		ident.APIHash = ""
		out = append(out, ident)
	}
	return out, rows.Err()
}

// DeleteIdentity removes an identity record.
func (s *Store) DeleteIdentity(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("config: delete identity %s: %w", name, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return NotFoundError{Entity: "identity", Key: name}
		}
		return nil
	})
}

const identitySelect = `
	SELECT name, api_id, api_hash, session_path, bridge_command,
		default_target, default_language,
		restore_first_name, restore_last_name, restore_photo_path,
		photo_path, ring_timeout_sec, max_duration_sec,
		audio_min_bitrate, audio_max_bitrate, audio_init_bitrate,
		created_at, updated_at
	FROM identities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (Identity, error) {
	var (
		ident           Identity
		ringSec, maxSec int
	)
	err := row.Scan(
		&ident.Name, &ident.APIID, &ident.APIHash, &ident.SessionPath, &ident.BridgeCommand,
		&ident.DefaultTarget, &ident.DefaultLanguage,
		&ident.RestoreFirstName, &ident.RestoreLastName, &ident.RestorePhotoPath,
		&ident.PhotoPath, &ringSec, &maxSec,
		&ident.AudioMinBitrate, &ident.AudioMaxBitrate, &ident.AudioInitBitrate,
		&ident.CreatedAt, &ident.UpdatedAt,
	)
	if err != nil {
		return Identity{}, err
	}
	ident.RingTimeout = time.Duration(ringSec) * time.Second
	ident.MaxDuration = time.Duration(maxSec) * time.Second
	return ident, nil
}
