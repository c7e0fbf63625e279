package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,title,COALESCE(description,'') AS description,creator_id,active,created_at,deleted_at`

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var deletedAt sql.NullString
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.CreatorID, &p.Active, &p.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.String
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,title,description,creator_id,active,created_at,deleted_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), p.CreatorID, p.Active, p.CreatedAt, nullableStringPtr(p.DeletedAt))
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByTitle(ctx context.Context, title string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE title=?`, title))
}

func (r Repo) ListProjects(ctx context.Context, activeOnly bool) ([]domain.Project, error) {
	query := `SELECT ` + projectCols + ` FROM projects`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var deletedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.CreatorID, &p.Active, &p.CreatedAt, &deletedAt); err != nil {
			return nil, err
		}
		if deletedAt.Valid {
			p.DeletedAt = &deletedAt.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetProjectActiveTx flips the active flag and deleted_at together so the
// active == (deleted_at IS NULL) invariant holds.
func (r Repo) SetProjectActiveTx(ctx context.Context, tx *sql.Tx, id string, active bool, deletedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET active=?, deleted_at=? WHERE id=?`, active, nullableStringPtr(deletedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskCols = `id,project_id,title,COALESCE(description,'') AS description,status,creator_id,executor_id,due_date,active,created_at,deleted_at`

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var executorID sql.NullInt64
	var dueDate, deletedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.CreatorID, &executorID, &dueDate, &t.Active, &t.CreatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if executorID.Valid {
		t.ExecutorID = &executorID.Int64
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.String
	}
	if deletedAt.Valid {
		t.DeletedAt = &deletedAt.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,creator_id,executor_id,due_date,active,created_at,deleted_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.CreatorID,
		nullableInt64Ptr(t.ExecutorID), nullableStringPtr(t.DueDate), t.Active, t.CreatedAt, nullableStringPtr(t.DeletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

func (r Repo) GetTaskByProjectTitle(ctx context.Context, projectID, title string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE project_id=? AND title=?`, projectID, title)
	return scanTaskRow(row.Scan)
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	ActiveOnly bool
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTaskIDsByProjectTx(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetTaskActiveTx mirrors SetProjectActiveTx for a single task.
func (r Repo) SetTaskActiveTx(ctx context.Context, tx *sql.Tx, id string, active bool, deletedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET active=?, deleted_at=? WHERE id=?`, active, nullableStringPtr(deletedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTasksActiveByProjectTx cascades a project lifecycle transition to all of
// its child tasks in one statement.
func (r Repo) SetTasksActiveByProjectTx(ctx context.Context, tx *sql.Tx, projectID string, active bool, deletedAt *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET active=?, deleted_at=? WHERE project_id=?`, active, nullableStringPtr(deletedAt), projectID)
	return err
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskExecutorTx(ctx context.Context, tx *sql.Tx, id string, executorID *int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET executor_id=? WHERE id=?`, nullableInt64Ptr(executorID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasksDueBefore returns active tasks whose due date falls at or before
// the cutoff, for the deadline sweep.
func (r Repo) ListTasksDueBefore(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE active=1 AND due_date IS NOT NULL AND due_date<=?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
