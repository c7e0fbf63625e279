package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskline/internal/auth"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/notify"
)

type jobRecorder struct {
	jobs []notify.Job
}

func (r *jobRecorder) Enqueue(j notify.Job) {
	r.jobs = append(r.jobs, j)
}

func (r *jobRecorder) ofKind(k notify.Kind) []notify.Job {
	var out []notify.Job
	for _, j := range r.jobs {
		if j.Kind == k {
			out = append(out, j)
		}
	}
	return out
}

type testEnv struct {
	Engine engine.Engine
	Jobs   *jobRecorder
	Ctx    context.Context
}

var (
	admin = &auth.User{ID: 1, Email: "admin@example.com", Role: auth.RoleAdmin}
	alice = &auth.User{ID: 2, Email: "alice@example.com"}
	bob   = &auth.User{ID: 3, Email: "bob@example.com"}
	carol = &auth.User{ID: 4, Email: "carol@example.com"}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rec := &jobRecorder{}
	eng := engine.New(conn, config.Default(), rec)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	return testEnv{Engine: eng, Jobs: rec, Ctx: context.Background()}
}

func (env testEnv) project(t *testing.T, title string, actor *auth.User) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectRequest{Title: title, Actor: actor})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env testEnv) task(t *testing.T, projectID, title string, actor *auth.User) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskRequest{ProjectID: projectID, Title: title, Actor: actor})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateProjectEnrollsCreator(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	if !p.Active {
		t.Fatalf("new project should be active")
	}
	ids, err := env.Engine.Repo.ListParticipantIDs(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != alice.ID {
		t.Fatalf("creator not enrolled, got %v", ids)
	}
	if got := env.Jobs.ofKind(notify.KindParticipation); len(got) != 1 || got[0].Recipients[0] != alice.ID {
		t.Fatalf("expected one participation job for creator, got %v", got)
	}
	_, err = env.Engine.CreateProject(env.Ctx, engine.CreateProjectRequest{Title: "alpha", Actor: bob})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("duplicate title should be a validation error, got %v", err)
	}
}

func TestCreateTaskSubscribesCreator(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	task := env.task(t, p.ID, "fix login", alice)
	if task.Status != domain.StatusOpen {
		t.Fatalf("new task status = %q", task.Status)
	}
	ok, err := env.Engine.Repo.HasSubscription(env.Ctx, task.ID, alice.ID)
	if err != nil || !ok {
		t.Fatalf("creator not subscribed: %v", err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.CreateTaskRequest{ProjectID: p.ID, Title: "fix login", Actor: bob})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("duplicate task title should be a validation error, got %v", err)
	}
}

func TestCreateTaskRequiresActiveProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	if err := env.Engine.DeactivateProject(env.Ctx, p.ID, alice); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskRequest{ProjectID: p.ID, Title: "late", Actor: alice})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAddSubscriberIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	task := env.task(t, p.ID, "fix login", alice)
	env.Jobs.jobs = nil

	created, err := env.Engine.AddSubscriber(env.Ctx, task.ID, bob.ID, bob)
	if err != nil || !created {
		t.Fatalf("first subscribe: created=%v err=%v", created, err)
	}
	created, err = env.Engine.AddSubscriber(env.Ctx, task.ID, bob.ID, bob)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatalf("second subscribe must be a no-op")
	}
	// subscribing also enrolls bob in the project, once
	ok, err := env.Engine.Repo.HasParticipation(env.Ctx, p.ID, bob.ID)
	if err != nil || !ok {
		t.Fatalf("subscriber not enrolled as participant: %v", err)
	}
	if got := env.Jobs.ofKind(notify.KindSubscription); len(got) != 1 {
		t.Fatalf("expected exactly one subscription job, got %d", len(got))
	}
	if got := env.Jobs.ofKind(notify.KindParticipation); len(got) != 1 {
		t.Fatalf("expected exactly one participation job, got %d", len(got))
	}
}

func TestAddSubscriberInactiveTask(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	task := env.task(t, p.ID, "fix login", alice)
	if err := env.Engine.DeactivateTask(env.Ctx, task.ID, alice); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AddSubscriber(env.Ctx, task.ID, bob.ID, bob)
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeactivateProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	t1 := env.task(t, p.ID, "one", alice)
	t2 := env.task(t, p.ID, "two", alice)
	if _, err := env.Engine.AddSubscriber(env.Ctx, t1.ID, bob.ID, bob); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.DeactivateProject(env.Ctx, p.ID, alice); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		task, err := env.Engine.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Active {
			t.Fatalf("task %s still active after project deactivation", id)
		}
		if task.DeletedAt == nil {
			t.Fatalf("task %s missing deleted_at", id)
		}
		subs, err := env.Engine.Repo.ListSubscriberIDs(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(subs) != 0 {
			t.Fatalf("task %s still has subscribers %v", id, subs)
		}
	}
	// the roster survives the archive
	ids, err := env.Engine.Repo.ListParticipantIDs(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("participants should be untouched, got %v", ids)
	}
}

func TestActivateProjectIsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	env.task(t, p.ID, "one", alice)
	if err := env.Engine.DeactivateProject(env.Ctx, p.ID, alice); err != nil {
		t.Fatal(err)
	}

	err := env.Engine.ActivateProject(env.Ctx, p.ID, alice)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("creator must not reactivate, got %v", err)
	}
	if err := env.Engine.ActivateProject(env.Ctx, p.ID, admin); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil || !got.Active || got.DeletedAt != nil {
		t.Fatalf("project not restored: %+v err=%v", got, err)
	}
}

func TestActivateProjectReactivatesAllTasks(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	t1 := env.task(t, p.ID, "one", alice)
	// archived on its own before the project goes down
	if err := env.Engine.DeactivateTask(env.Ctx, t1.ID, alice); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeactivateProject(env.Ctx, p.ID, alice); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ActivateProject(env.Ctx, p.ID, admin); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, t1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !task.Active {
		t.Fatalf("project activation must reactivate every task")
	}
}

func TestSetTaskActiveGatedByProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	task := env.task(t, p.ID, "one", alice)
	if err := env.Engine.DeactivateProject(env.Ctx, p.ID, alice); err != nil {
		t.Fatal(err)
	}
	// accepted but ignored while the project is archived
	if err := env.Engine.SetTaskActive(env.Ctx, engine.SetTaskActiveRequest{TaskID: task.ID, Active: true, Actor: admin}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Fatalf("task reactivated under an archived project")
	}
	if err := env.Engine.ActivateProject(env.Ctx, p.ID, admin); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.SetTaskActive(env.Ctx, engine.SetTaskActiveRequest{TaskID: task.ID, Active: false, Actor: admin}); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Active {
		t.Fatalf("admin deactivation did not stick")
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	task := env.task(t, p.ID, "one", alice)
	if _, err := env.Engine.AddSubscriber(env.Ctx, task.ID, bob.ID, bob); err != nil {
		t.Fatal(err)
	}
	env.Jobs.jobs = nil

	_, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.UpdateTaskStatusRequest{TaskID: task.ID, Status: "bogus", Actor: alice})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown status should be a validation error, got %v", err)
	}

	_, err = env.Engine.UpdateTaskStatus(env.Ctx, engine.UpdateTaskStatusRequest{TaskID: task.ID, Status: domain.StatusClosed, Actor: carol})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("stranger must not change status, got %v", err)
	}

	got, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.UpdateTaskStatusRequest{TaskID: task.ID, Status: domain.StatusInProgress, Actor: alice})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %q", got.Status)
	}
	jobs := env.Jobs.ofKind(notify.KindStatusChange)
	if len(jobs) != 1 {
		t.Fatalf("expected one status-change job, got %d", len(jobs))
	}
	if jobs[0].OldStatus != domain.StatusOpen || jobs[0].NewStatus != domain.StatusInProgress {
		t.Fatalf("job statuses = %q -> %q", jobs[0].OldStatus, jobs[0].NewStatus)
	}
	if len(jobs[0].Recipients) != 2 {
		t.Fatalf("job should target both subscribers, got %v", jobs[0].Recipients)
	}

	// same status again: no event, no job
	env.Jobs.jobs = nil
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.UpdateTaskStatusRequest{TaskID: task.ID, Status: domain.StatusInProgress, Actor: alice}); err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.Repo.LatestEventID(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("no-op transition emitted an event")
	}
	if len(env.Jobs.jobs) != 0 {
		t.Fatalf("no-op transition enqueued jobs: %v", env.Jobs.jobs)
	}
}

func TestExecutorAllowedToChangeStatus(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	task := env.task(t, p.ID, "one", alice)
	execID := bob.ID
	if err := env.Engine.ReassignExecutor(env.Ctx, engine.ReassignExecutorRequest{TaskID: task.ID, NewExecutorID: &execID, Actor: alice}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, engine.UpdateTaskStatusRequest{TaskID: task.ID, Status: domain.StatusResolved, Actor: bob}); err != nil {
		t.Fatalf("executor must be allowed to change status: %v", err)
	}
}

func TestReassignExecutor(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	task := env.task(t, p.ID, "one", alice)
	env.Jobs.jobs = nil

	bobID, carolID := bob.ID, carol.ID
	if err := env.Engine.ReassignExecutor(env.Ctx, engine.ReassignExecutorRequest{TaskID: task.ID, NewExecutorID: &bobID, Actor: alice}); err != nil {
		t.Fatal(err)
	}
	ok, _ := env.Engine.Repo.HasSubscription(env.Ctx, task.ID, bob.ID)
	if !ok {
		t.Fatalf("new executor not subscribed")
	}
	ok, _ = env.Engine.Repo.HasParticipation(env.Ctx, p.ID, bob.ID)
	if !ok {
		t.Fatalf("new executor not a participant")
	}
	if got := env.Jobs.ofKind(notify.KindSubscription); len(got) != 1 {
		t.Fatalf("expected one subscription job, got %d", len(got))
	}

	// transfer: bob out, carol in
	env.Jobs.jobs = nil
	if err := env.Engine.ReassignExecutor(env.Ctx, engine.ReassignExecutorRequest{TaskID: task.ID, NewExecutorID: &carolID, Actor: alice}); err != nil {
		t.Fatal(err)
	}
	ok, _ = env.Engine.Repo.HasSubscription(env.Ctx, task.ID, bob.ID)
	if ok {
		t.Fatalf("old executor still subscribed")
	}
	ok, _ = env.Engine.Repo.HasParticipation(env.Ctx, p.ID, bob.ID)
	if !ok {
		t.Fatalf("old executor lost participation")
	}
	ok, _ = env.Engine.Repo.HasSubscription(env.Ctx, task.ID, carol.ID)
	if !ok {
		t.Fatalf("carol not subscribed")
	}

	// same executor again: nothing happens
	env.Jobs.jobs = nil
	before, _ := env.Engine.Repo.LatestEventID(env.Ctx)
	if err := env.Engine.ReassignExecutor(env.Ctx, engine.ReassignExecutorRequest{TaskID: task.ID, NewExecutorID: &carolID, Actor: alice}); err != nil {
		t.Fatal(err)
	}
	after, _ := env.Engine.Repo.LatestEventID(env.Ctx)
	if before != after || len(env.Jobs.jobs) != 0 {
		t.Fatalf("idempotent reassign must not emit events or jobs")
	}

	// clear: carol unsubscribed, executor nil
	if err := env.Engine.ReassignExecutor(env.Ctx, engine.ReassignExecutorRequest{TaskID: task.ID, NewExecutorID: nil, Actor: alice}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutorID != nil {
		t.Fatalf("executor not cleared")
	}
	ok, _ = env.Engine.Repo.HasSubscription(env.Ctx, task.ID, carol.ID)
	if ok {
		t.Fatalf("cleared executor still subscribed")
	}
}

func TestDeactivateTaskPermissions(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "alpha", alice)
	task := env.task(t, p.ID, "one", alice)

	err := env.Engine.DeactivateTask(env.Ctx, task.ID, bob)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("non-creator must not deactivate, got %v", err)
	}
	if err := env.Engine.DeactivateTask(env.Ctx, task.ID, admin); err != nil {
		t.Fatalf("admin deactivation: %v", err)
	}
	// repeat is a silent no-op
	before, _ := env.Engine.Repo.LatestEventID(env.Ctx)
	if err := env.Engine.DeactivateTask(env.Ctx, task.ID, admin); err != nil {
		t.Fatal(err)
	}
	after, _ := env.Engine.Repo.LatestEventID(env.Ctx)
	if before != after {
		t.Fatalf("repeated deactivation emitted an event")
	}
}
