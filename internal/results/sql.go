package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore keeps results in the results table of the engine database.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ Store = SQLStore{}

func (s SQLStore) Put(ctx context.Context, key Key, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", key, err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO results(key,value_json,created_at) VALUES (?,?,?) ON CONFLICT(key) DO NOTHING`,
		key.String(), string(data), now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store result %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	return nil
}

func (s SQLStore) Get(ctx context.Context, key Key, out any) error {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT value_json FROM results WHERE key=?`, key.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAbsent, key)
	}
	if err != nil {
		return fmt.Errorf("load result %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decode result %s: %w", key, err)
	}
	return nil
}
