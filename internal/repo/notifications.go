package repo

import (
	"context"
	"database/sql"
)

// Notification mark kinds recorded in task_notifications.
const (
	MarkStatusChange = "status-change"
	MarkDeadline     = "deadline"
)

// InsertNotificationMark records that a user has been notified about a task
// for the given kind. The unique index makes the insert the at-most-once
// gate: created=false means someone already holds the mark.
func (r Repo) InsertNotificationMark(ctx context.Context, taskID string, userID int64, kind, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO task_notifications(task_id,notified_user_id,notification_type,notification_date) VALUES (?,?,?,?)`,
		taskID, userID, kind, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) HasNotificationMark(ctx context.Context, taskID string, userID int64, kind string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM task_notifications WHERE task_id=? AND notified_user_id=? AND notification_type=? LIMIT 1`,
		taskID, userID, kind).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
