package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PutDeferred inserts or replaces the deferred task with t.Key.
func (s *Store) PutDeferred(ctx context.Context, t DeferredTask) error {
	if s.closed.Load() {
		return ErrClosed
	}
	key := strings.TrimSpace(t.Key)
	if key == "" {
		return errors.New("deferred task key is required")
	}
	payload := t.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deferred_tasks(key, token, fire_at, payload, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET token = excluded.token, fire_at = excluded.fire_at,
		   payload = excluded.payload, created_at = excluded.created_at`,
		key, t.Token, t.FireAt.UnixMilli(), string(b), t.CreatedAt.UnixMilli(),
	)
	return err
}

// GetDeferred returns (nil, nil) when key is not queued.
func (s *Store) GetDeferred(ctx context.Context, key string) (*DeferredTask, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT key, token, fire_at, payload, created_at FROM deferred_tasks WHERE key = ?`, key)
	t, err := scanDeferred(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListDeferred returns every queued task, earliest first.
func (s *Store) ListDeferred(ctx context.Context) ([]DeferredTask, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, token, fire_at, payload, created_at FROM deferred_tasks ORDER BY fire_at ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeferredTask
	for rows.Next() {
		t, err := scanDeferred(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteDeferred removes key. A non-empty token only matches the row it was
// written with, so a stale timer cannot remove its replacement.
func (s *Store) DeleteDeferred(ctx context.Context, key, token string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	var (
		res sql.Result
		err error
	)
	if token == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM deferred_tasks WHERE key = ?`, key)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM deferred_tasks WHERE key = ? AND token = ?`, key, token)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanDeferred(sc scanner) (DeferredTask, error) {
	var (
		t               DeferredTask
		fireMS, created int64
		payload         string
	)
	if err := sc.Scan(&t.Key, &t.Token, &fireMS, &payload, &created); err != nil {
		return DeferredTask{}, err
	}
	t.FireAt = time.UnixMilli(fireMS)
	t.CreatedAt = time.UnixMilli(created)
	t.Payload = map[string]string{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			return DeferredTask{}, fmt.Errorf("decode payload for %s: %w", t.Key, err)
		}
	}
	return t, nil
}
