package database

import (
	"context"
	"time"
)

// GetMetadata retrieves a metadata value by key.
// Returns sql.ErrNoRows if the key doesn't exist.
func (d *Database) GetMetadata(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	return value, err
}

// SetMetadata sets a metadata key-value pair.
func (d *Database) SetMetadata(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// LastPrune returns when expired jobs were last removed, or the zero time.
func (d *Database) LastPrune(ctx context.Context) time.Time {
	value, err := d.GetMetadata(ctx, "last_prune")
	if err != nil || value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetLastPrune records the time of a retention pass.
func (d *Database) SetLastPrune(ctx context.Context, t time.Time) error {
	return d.SetMetadata(ctx, "last_prune", t.UTC().Format(time.RFC3339))
}
