package store

import (
	"context"
	"database/sql"
	"errors"
)

// Memo is a memoization cache backed by the store's database.
type Memo struct {
	s *Store
}

// Memo returns the store's memoization cache.
func (s *Store) Memo() *Memo {
	return &Memo{s: s}
}

func (m *Memo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := m.s.db.QueryRowContext(ctx, `SELECT value FROM memo WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Memo) Set(ctx context.Context, key string, value []byte) error {
	_, err := m.s.db.ExecContext(ctx,
		`INSERT INTO memo (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?, created_at = ?`,
		key, value, m.s.now().UTC(), value, m.s.now().UTC(),
	)
	return err
}
