package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries are the schedule table operations, bound either to the database
// (Store) or to a transaction (Tx).
type Queries struct {
	q       querier
	onWrite func()
}

const scheduleColumns = `id, target_ref, display_name, scheduled_time, is_executed, is_cancelled, created_at`

func (o Queries) wrote() {
	if o.onWrite != nil {
		o.onWrite()
	}
}

// Insert stores rec and returns the assigned id. rec.ID is ignored.
func (o Queries) Insert(ctx context.Context, rec ScheduleRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := o.q.ExecContext(ctx,
		`INSERT INTO scheduled_apps(target_ref, display_name, scheduled_time, is_executed, is_cancelled, created_at)
		 VALUES(?,?,?,?,?,?)`,
		rec.TargetRef, rec.DisplayName, rec.ScheduledAt.UnixMilli(), rec.Executed, rec.Cancelled, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	o.wrote()
	return id, nil
}

// GetByID returns (nil, nil) when id does not exist.
func (o Queries) GetByID(ctx context.Context, id int64) (*ScheduleRecord, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_apps WHERE id = ?`, id)
	rec, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update replaces the row with rec.ID. A missing id is a silent no-op.
func (o Queries) Update(ctx context.Context, rec ScheduleRecord) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE scheduled_apps
		    SET target_ref = ?, display_name = ?, scheduled_time = ?, is_executed = ?, is_cancelled = ?, created_at = ?
		  WHERE id = ?`,
		rec.TargetRef, rec.DisplayName, rec.ScheduledAt.UnixMilli(), rec.Executed, rec.Cancelled, rec.CreatedAt.UnixMilli(), rec.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		o.wrote()
	}
	return nil
}

// ListAll returns every record ordered by scheduled time.
func (o Queries) ListAll(ctx context.Context) ([]ScheduleRecord, error) {
	return o.list(ctx, `SELECT `+scheduleColumns+` FROM scheduled_apps ORDER BY scheduled_time ASC, id ASC`)
}

// ListActiveUpcoming returns non-cancelled records scheduled after now.
func (o Queries) ListActiveUpcoming(ctx context.Context, now time.Time) ([]ScheduleRecord, error) {
	return o.list(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_apps
		  WHERE scheduled_time > ? AND is_cancelled = 0
		  ORDER BY scheduled_time ASC, id ASC`,
		now.UnixMilli(),
	)
}

// ExistsConflict reports whether an active record other than excludeID is
// scheduled within [start, end]. excludeID 0 excludes nothing.
func (o Queries) ExistsConflict(ctx context.Context, start, end time.Time, excludeID int64) (bool, error) {
	var exists bool
	err := o.q.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM scheduled_apps
			 WHERE is_cancelled = 0 AND is_executed = 0
			   AND scheduled_time BETWEEN ? AND ?
			   AND id <> ?)`,
		start.UnixMilli(), end.UnixMilli(), excludeID,
	).Scan(&exists)
	return exists, err
}

// SetCancelled flags a record cancelled unless it is executed or already
// cancelled. It reports whether the row changed.
func (o Queries) SetCancelled(ctx context.Context, id int64) (bool, error) {
	return o.setFlag(ctx, `UPDATE scheduled_apps SET is_cancelled = 1 WHERE id = ? AND is_cancelled = 0 AND is_executed = 0`, id)
}

// SetExecuted flags a record executed unless it is cancelled or already
// executed. It reports whether the row changed.
func (o Queries) SetExecuted(ctx context.Context, id int64) (bool, error) {
	return o.setFlag(ctx, `UPDATE scheduled_apps SET is_executed = 1 WHERE id = ? AND is_executed = 0 AND is_cancelled = 0`, id)
}

// Delete removes a record. It reports whether a row existed.
func (o Queries) Delete(ctx context.Context, id int64) (bool, error) {
	return o.setFlag(ctx, `DELETE FROM scheduled_apps WHERE id = ?`, id)
}

func (o Queries) setFlag(ctx context.Context, query string, id int64) (bool, error) {
	res, err := o.q.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		o.wrote()
	}
	return n > 0, nil
}

func (o Queries) list(ctx context.Context, query string, args ...any) ([]ScheduleRecord, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ScheduleRecord, 0, 16)
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(sc scanner) (ScheduleRecord, error) {
	var (
		rec                  ScheduleRecord
		scheduledMS, created int64
	)
	if err := sc.Scan(&rec.ID, &rec.TargetRef, &rec.DisplayName, &scheduledMS, &rec.Executed, &rec.Cancelled, &created); err != nil {
		return ScheduleRecord{}, err
	}
	rec.ScheduledAt = time.UnixMilli(scheduledMS)
	rec.CreatedAt = time.UnixMilli(created)
	return rec, nil
}
