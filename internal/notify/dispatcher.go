package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"taskline/internal/config"
	"taskline/internal/repo"
)

// AddressResolver is the identity lookup the dispatcher depends on.
type AddressResolver interface {
	Resolve(ctx context.Context, ids []int64) (map[int64]string, error)
}

// Dispatcher fans notification jobs out to mail. Enqueue never blocks the
// caller: jobs go through a buffered channel to a worker pool, and when the
// buffer is full the job is dropped and logged. Delivery failures are logged
// and never surface to the request that produced the job.
type Dispatcher struct {
	cfg      *config.Config
	resolver AddressResolver
	mailer   Mailer
	repo     repo.Repo
	Now      func() time.Time

	jobs chan Job
	wg   sync.WaitGroup
}

func NewDispatcher(cfg *config.Config, resolver AddressResolver, mailer Mailer, r repo.Repo) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		resolver: resolver,
		mailer:   mailer,
		repo:     r,
		Now:      time.Now,
		jobs:     make(chan Job, cfg.Dispatch.QueueSize),
	}
}

// Enqueue hands a job to the worker pool without blocking.
func (d *Dispatcher) Enqueue(job Job) {
	if len(job.Recipients) == 0 {
		return
	}
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	select {
	case d.jobs <- job:
	default:
		// queue full, drop: a lost notification is acceptable, a blocked
		// request is not
		slog.Warn("notify: queue full, dropping job", "job_id", job.ID, "kind", job.Kind)
	}
}

// Start launches the worker pool. Workers exit when Stop closes the queue or
// when ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Dispatch.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.jobs:
					if !ok {
						return
					}
					d.deliver(ctx, job)
				}
			}
		}()
	}
	slog.Info("notify: dispatcher started", "workers", d.cfg.Dispatch.Workers)
}

// Stop closes the queue and waits for in-flight deliveries. Callers must not
// Enqueue after Stop.
func (d *Dispatcher) Stop() {
	close(d.jobs)
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	addrs, err := d.resolver.Resolve(ctx, job.Recipients)
	if err != nil {
		// A partial result still gets delivered; unresolved recipients are
		// skipped below.
		slog.Error("notify: identity resolution failed", "job_id", job.ID, "kind", job.Kind, "error", err)
	}
	subject := job.Subject()
	body := job.Body(d.cfg.SweepLookahead())
	now := d.Now().UTC().Format(time.RFC3339)
	for _, uid := range job.Recipients {
		addr, ok := addrs[uid]
		if !ok {
			slog.Warn("notify: no address for recipient", "job_id", job.ID, "user_id", uid)
			continue
		}
		if job.Kind == KindStatusChange {
			created, err := d.repo.InsertNotificationMark(ctx, job.TaskID, uid, repo.MarkStatusChange, now)
			if err != nil {
				slog.Error("notify: mark insert failed", "job_id", job.ID, "user_id", uid, "error", err)
				continue
			}
			if !created {
				continue
			}
		}
		if err := d.mailer.Send(addr, subject, body); err != nil {
			slog.Error("notify: send failed", "job_id", job.ID, "to", addr, "error", err)
			continue
		}
		slog.Info("notify: sent", "job_id", job.ID, "kind", job.Kind, "user_id", uid)
	}
}
