package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskline/internal/domain"
)

// Membership operations run inside the caller's transaction. Idempotence is
// enforced twice: INSERT OR IGNORE under the unique index never duplicates a
// row, and the created flag tells the caller whether this call made one.

func (r Repo) EnsureSubscriptionTx(ctx context.Context, tx *sql.Tx, taskID string, userID int64, now string) (domain.Subscription, bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_subscribers(task_id,subscriber_id,created_at) VALUES (?,?,?)`,
		taskID, userID, now)
	if err != nil {
		return domain.Subscription{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Subscription{}, false, err
	}
	var s domain.Subscription
	err = tx.QueryRowContext(ctx, `SELECT id,task_id,subscriber_id,created_at FROM task_subscribers WHERE task_id=? AND subscriber_id=?`,
		taskID, userID).Scan(&s.ID, &s.TaskID, &s.SubscriberID, &s.CreatedAt)
	if err != nil {
		return domain.Subscription{}, false, err
	}
	return s, n > 0, nil
}

func (r Repo) EnsureParticipationTx(ctx context.Context, tx *sql.Tx, projectID string, userID int64, now string) (domain.Participation, bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO project_participants(project_id,participant_id,created_at) VALUES (?,?,?)`,
		projectID, userID, now)
	if err != nil {
		return domain.Participation{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Participation{}, false, err
	}
	var p domain.Participation
	err = tx.QueryRowContext(ctx, `SELECT id,project_id,participant_id,created_at FROM project_participants WHERE project_id=? AND participant_id=?`,
		projectID, userID).Scan(&p.ID, &p.ProjectID, &p.ParticipantID, &p.CreatedAt)
	if err != nil {
		return domain.Participation{}, false, err
	}
	return p, n > 0, nil
}

// RemoveSubscriptionTx is a no-op when the row is absent.
func (r Repo) RemoveSubscriptionTx(ctx context.Context, tx *sql.Tx, taskID string, userID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_subscribers WHERE task_id=? AND subscriber_id=?`, taskID, userID)
	return err
}

func (r Repo) RemoveAllSubscriptionsTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_subscribers WHERE task_id=?`, taskID)
	return err
}

func (r Repo) RemoveAllSubscriptionsForTasksTx(ctx context.Context, tx *sql.Tx, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(taskIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(taskIDs))
	for _, id := range taskIDs {
		args = append(args, id)
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM task_subscribers WHERE task_id IN (`+placeholders+`)`, args...)
	return err
}

func (r Repo) ListSubscriberIDs(ctx context.Context, taskID string) ([]int64, error) {
	return scanIDs(r.DB.QueryContext(ctx, `SELECT subscriber_id FROM task_subscribers WHERE task_id=? ORDER BY subscriber_id`, taskID))
}

func (r Repo) ListSubscriberIDsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]int64, error) {
	return scanIDs(tx.QueryContext(ctx, `SELECT subscriber_id FROM task_subscribers WHERE task_id=? ORDER BY subscriber_id`, taskID))
}

func (r Repo) ListParticipantIDs(ctx context.Context, projectID string) ([]int64, error) {
	return scanIDs(r.DB.QueryContext(ctx, `SELECT participant_id FROM project_participants WHERE project_id=? ORDER BY participant_id`, projectID))
}

func (r Repo) HasSubscription(ctx context.Context, taskID string, userID int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM task_subscribers WHERE task_id=? AND subscriber_id=? LIMIT 1`, taskID, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) HasParticipation(ctx context.Context, projectID string, userID int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM project_participants WHERE project_id=? AND participant_id=? LIMIT 1`, projectID, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func scanIDs(rows *sql.Rows, err error) ([]int64, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
