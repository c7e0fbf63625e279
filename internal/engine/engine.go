package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskline/internal/auth"
	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/notify"
	"taskline/internal/repo"
)

// Notifier receives the notification jobs an operation produced. Enqueue must
// not block; the engine calls it strictly after commit.
type Notifier interface {
	Enqueue(notify.Job)
}

// Engine keeps task subscribers, project participants and the active flags of
// projects and tasks consistent. Every exposed operation runs in one
// transaction against the store; membership deltas collected during the
// transaction turn into notification jobs only once the commit succeeds.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Notifier Notifier
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, notifier Notifier) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Notifier: notifier,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) enqueue(jobs []notify.Job) {
	if e.Notifier == nil {
		return
	}
	for _, j := range jobs {
		e.Notifier.Enqueue(j)
	}
}

func actorID(u *auth.User) string {
	if u == nil {
		return ""
	}
	return strconv.FormatInt(u.ID, 10)
}

// CreateProjectRequest carries exactly what project creation needs.
type CreateProjectRequest struct {
	Title       string
	Description string
	Actor       *auth.User
}

// CreateProject persists the project and enrolls the creator as its first
// participant.
func (e Engine) CreateProject(ctx context.Context, req CreateProjectRequest) (domain.Project, error) {
	if req.Actor == nil {
		return domain.Project{}, auth.ForbiddenError{Action: "create project (authentication required)"}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return domain.Project{}, ValidationError{Msg: "title is required"}
	}
	if _, err := e.Repo.GetProjectByTitle(ctx, title); err == nil {
		return domain.Project{}, ValidationError{Msg: fmt.Sprintf("project title %q already taken", title)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          uuid.New().String(),
		Title:       title,
		Description: req.Description,
		CreatorID:   req.Actor.ID,
		Active:      true,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if _, _, err := e.Repo.EnsureParticipationTx(ctx, tx, p.ID, p.CreatorID, now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure creator participation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID(req.Actor), events.EventPayload{
		"title":          p.Title,
		"participant_id": p.CreatorID,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.enqueue([]notify.Job{{
		Kind:       notify.KindParticipation,
		ProjectID:  p.ID,
		Title:      p.Title,
		Recipients: []int64{p.CreatorID},
	}})
	return p, nil
}

// ActivateProject restores an archived project and unconditionally
// reactivates every child task, including tasks that were archived on their
// own before the project went inactive.
func (e Engine) ActivateProject(ctx context.Context, projectID string, actor *auth.User) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := auth.RequireAdmin(actor, "activate project"); err != nil {
		return err
	}
	if p.Active {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetProjectActiveTx(ctx, tx, p.ID, true, nil); err != nil {
		return err
	}
	if err := e.Repo.SetTasksActiveByProjectTx(ctx, tx, p.ID, true, nil); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", p.ID, "project", p.ID, actorID(actor), events.EventPayload{
		"title":     p.Title,
		"is_active": true,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeactivateProject archives the project, cascades to all child tasks and
// clears their subscriptions. Participations are kept on purpose: the record
// of who was involved outlives the archive.
func (e Engine) DeactivateProject(ctx context.Context, projectID string, actor *auth.User) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := auth.RequireCreatorOrAdmin(actor, p.CreatorID, "deactivate project"); err != nil {
		return err
	}
	if !p.Active {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetProjectActiveTx(ctx, tx, p.ID, false, &now); err != nil {
		return err
	}
	taskIDs, err := e.Repo.ListTaskIDsByProjectTx(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	if err := e.Repo.SetTasksActiveByProjectTx(ctx, tx, p.ID, false, &now); err != nil {
		return err
	}
	if err := e.Repo.RemoveAllSubscriptionsForTasksTx(ctx, tx, taskIDs); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", p.ID, "project", p.ID, actorID(actor), events.EventPayload{
		"title":     p.Title,
		"is_active": false,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTaskRequest carries exactly what task creation needs.
type CreateTaskRequest struct {
	ProjectID   string
	Title       string
	Description string
	DueDate     *string
	Actor       *auth.User
}

// CreateTask persists the task under an active project and subscribes the
// creator.
func (e Engine) CreateTask(ctx context.Context, req CreateTaskRequest) (domain.Task, error) {
	if req.Actor == nil {
		return domain.Task{}, auth.ForbiddenError{Action: "create task (authentication required)"}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return domain.Task{}, ValidationError{Msg: "title is required"}
	}
	p, err := e.Repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if !p.Active {
		return domain.Task{}, ValidationError{Msg: fmt.Sprintf("project %q is not active", p.Title)}
	}
	if _, err := e.Repo.GetTaskByProjectTitle(ctx, p.ID, title); err == nil {
		return domain.Task{}, ValidationError{Msg: fmt.Sprintf("task title %q already used in project %q", title, p.Title)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	if req.DueDate != nil {
		if _, err := time.Parse(time.RFC3339, *req.DueDate); err != nil {
			return domain.Task{}, ValidationError{Msg: fmt.Sprintf("due date %q is not RFC 3339", *req.DueDate)}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:          uuid.New().String(),
		ProjectID:   p.ID,
		Title:       title,
		Description: req.Description,
		Status:      domain.StatusOpen,
		CreatorID:   req.Actor.ID,
		DueDate:     req.DueDate,
		Active:      true,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if _, _, err := e.Repo.EnsureSubscriptionTx(ctx, tx, t.ID, t.CreatorID, now); err != nil {
		return domain.Task{}, fmt.Errorf("ensure creator subscription: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", p.ID, "task", t.ID, actorID(req.Actor), events.EventPayload{
		"title":         t.Title,
		"project_title": p.Title,
		"status":        t.Status,
		"assigner_id":   req.Actor.ID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.enqueue([]notify.Job{{
		Kind:       notify.KindSubscription,
		TaskID:     t.ID,
		ProjectID:  p.ID,
		Title:      t.Title,
		Recipients: []int64{t.CreatorID},
	}})
	return t, nil
}

// DeactivateTask archives a single task and clears its subscriptions.
func (e Engine) DeactivateTask(ctx context.Context, taskID string, actor *auth.User) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := auth.RequireCreatorOrAdmin(actor, t.CreatorID, "deactivate task"); err != nil {
		return err
	}
	if !t.Active {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetTaskActiveTx(ctx, tx, t.ID, false, &now); err != nil {
		return err
	}
	if err := e.Repo.RemoveAllSubscriptionsTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, actorID(actor), events.EventPayload{
		"title":     t.Title,
		"is_active": false,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetTaskActiveRequest toggles one task's lifecycle.
type SetTaskActiveRequest struct {
	TaskID string
	Active bool
	Actor  *auth.User
}

// SetTaskActive applies the desired flag. While the parent project is
// inactive the request is accepted but changes nothing; same when the task is
// already in the desired state. Neither no-op emits an event.
func (e Engine) SetTaskActive(ctx context.Context, req SetTaskActiveRequest) error {
	t, err := e.Repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if err := auth.RequireAdmin(req.Actor, "set task active"); err != nil {
		return err
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	if !p.Active {
		// project gate: status quo wins
		return nil
	}
	if t.Active == req.Active {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var deletedAt *string
	if !req.Active {
		now := e.now().UTC().Format(time.RFC3339)
		deletedAt = &now
	}
	if err := e.Repo.SetTaskActiveTx(ctx, tx, t.ID, req.Active, deletedAt); err != nil {
		return err
	}
	if !req.Active {
		if err := e.Repo.RemoveAllSubscriptionsTx(ctx, tx, t.ID); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, actorID(req.Actor), events.EventPayload{
		"title":     t.Title,
		"is_active": req.Active,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateTaskStatusRequest moves a task through its workflow.
type UpdateTaskStatusRequest struct {
	TaskID string
	Status string
	Actor  *auth.User
}

// UpdateTaskStatus stores the new status and notifies every current
// subscriber. Each subscriber hears about a task's status at most once; the
// dispatcher enforces the mark.
func (e Engine) UpdateTaskStatus(ctx context.Context, req UpdateTaskStatusRequest) (domain.Task, error) {
	if !domain.ValidStatus(req.Status) {
		return domain.Task{}, ValidationError{Msg: fmt.Sprintf("unknown status %q", req.Status)}
	}
	t, err := e.Repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return t, err
	}
	if err := auth.RequireCreatorExecutorOrAdmin(req.Actor, t.CreatorID, t.ExecutorID, "update task status"); err != nil {
		return t, err
	}
	if t.Status == req.Status {
		return t, nil
	}
	oldStatus := t.Status
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, t.ID, req.Status); err != nil {
		return t, err
	}
	subscribers, err := e.Repo.ListSubscriberIDsTx(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, actorID(req.Actor), events.EventPayload{
		"title":  t.Title,
		"status": req.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = req.Status
	e.enqueue([]notify.Job{{
		Kind:       notify.KindStatusChange,
		TaskID:     t.ID,
		ProjectID:  t.ProjectID,
		Title:      t.Title,
		Recipients: subscribers,
		OldStatus:  oldStatus,
		NewStatus:  req.Status,
	}})
	return t, nil
}

// ReassignExecutorRequest assigns, clears or transfers a task's executor.
// A nil NewExecutorID clears the assignment.
type ReassignExecutorRequest struct {
	TaskID        string
	NewExecutorID *int64
	Actor         *auth.User
}

// ReassignExecutor runs the three-way workflow on (current, new): the old
// executor loses the subscription (participation stays), the new executor
// gains subscription and participation. Unsubscribe happens before subscribe
// so an executor handed their own task back is not dropped.
func (e Engine) ReassignExecutor(ctx context.Context, req ReassignExecutorRequest) error {
	t, err := e.Repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if err := auth.RequireCreatorExecutorOrAdmin(req.Actor, t.CreatorID, t.ExecutorID, "reassign executor"); err != nil {
		return err
	}
	cur := t.ExecutorID
	if cur == nil && req.NewExecutorID == nil {
		return nil
	}
	if cur != nil && req.NewExecutorID != nil && *cur == *req.NewExecutorID {
		return nil
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTaskExecutorTx(ctx, tx, t.ID, req.NewExecutorID); err != nil {
		return err
	}
	if cur != nil {
		if err := e.Repo.RemoveSubscriptionTx(ctx, tx, t.ID, *cur); err != nil {
			return err
		}
	}
	var jobs []notify.Job
	if req.NewExecutorID != nil {
		newID := *req.NewExecutorID
		if _, created, err := e.Repo.EnsureSubscriptionTx(ctx, tx, t.ID, newID, now); err != nil {
			return err
		} else if created {
			jobs = append(jobs, notify.Job{
				Kind:       notify.KindSubscription,
				TaskID:     t.ID,
				ProjectID:  p.ID,
				Title:      t.Title,
				Recipients: []int64{newID},
			})
		}
		if _, created, err := e.Repo.EnsureParticipationTx(ctx, tx, p.ID, newID, now); err != nil {
			return err
		} else if created {
			jobs = append(jobs, notify.Job{
				Kind:       notify.KindParticipation,
				ProjectID:  p.ID,
				Title:      p.Title,
				Recipients: []int64{newID},
			})
		}
	}
	if err := e.Events.Append(ctx, tx, "task.updated", p.ID, "task", t.ID, actorID(req.Actor), events.EventPayload{
		"title":         t.Title,
		"project_title": p.Title,
		"executor_id":   int64PtrPayload(req.NewExecutorID),
		"assigner_id":   req.Actor.ID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.enqueue(jobs)
	return nil
}

// AddSubscriber subscribes a user to a task and, because participants are a
// superset of subscribers, enrolls them in the project as well.
func (e Engine) AddSubscriber(ctx context.Context, taskID string, userID int64, actor *auth.User) (bool, error) {
	if actor == nil {
		return false, auth.ForbiddenError{Action: "add subscriber (authentication required)"}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !t.Active {
		return false, ValidationError{Msg: fmt.Sprintf("task %q is not active", t.Title)}
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return false, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, created, err := e.Repo.EnsureSubscriptionTx(ctx, tx, t.ID, userID, now)
	if err != nil {
		return false, err
	}
	_, pcreated, err := e.Repo.EnsureParticipationTx(ctx, tx, p.ID, userID, now)
	if err != nil {
		return false, err
	}
	var jobs []notify.Job
	if created {
		if err := e.Events.Append(ctx, tx, "task.updated", p.ID, "task", t.ID, actorID(actor), events.EventPayload{
			"title":         t.Title,
			"project_title": p.Title,
			"subscriber_id": userID,
		}); err != nil {
			return false, err
		}
		jobs = append(jobs, notify.Job{
			Kind:       notify.KindSubscription,
			TaskID:     t.ID,
			ProjectID:  p.ID,
			Title:      t.Title,
			Recipients: []int64{userID},
		})
	}
	if pcreated {
		jobs = append(jobs, notify.Job{
			Kind:       notify.KindParticipation,
			ProjectID:  p.ID,
			Title:      p.Title,
			Recipients: []int64{userID},
		})
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.enqueue(jobs)
	return created, nil
}

// AddParticipant enrolls a user in a project.
func (e Engine) AddParticipant(ctx context.Context, projectID string, userID int64, actor *auth.User) (bool, error) {
	if actor == nil {
		return false, auth.ForbiddenError{Action: "add participant (authentication required)"}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, created, err := e.Repo.EnsureParticipationTx(ctx, tx, p.ID, userID, now)
	if err != nil {
		return false, err
	}
	if created {
		if err := e.Events.Append(ctx, tx, "project.updated", p.ID, "project", p.ID, actorID(actor), events.EventPayload{
			"title":          p.Title,
			"participant_id": userID,
		}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if created {
		e.enqueue([]notify.Job{{
			Kind:       notify.KindParticipation,
			ProjectID:  p.ID,
			Title:      p.Title,
			Recipients: []int64{userID},
		}})
	}
	return created, nil
}

func int64PtrPayload(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
