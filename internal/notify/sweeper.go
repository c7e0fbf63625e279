package notify

import (
	"context"
	"log/slog"
	"time"

	"taskline/internal/config"
	"taskline/internal/repo"
)

// Enqueuer is the dispatcher surface the sweeper needs.
type Enqueuer interface {
	Enqueue(Job)
}

// Sweeper is the recurring deadline scan. It writes the deadline mark before
// enqueueing, so however often it runs each subscriber hears about a given
// task's deadline at most once; a send lost after marking stays lost.
type Sweeper struct {
	Repo     repo.Repo
	Notifier Enqueuer
	Cfg      *config.Config
	Now      func() time.Time
}

func NewSweeper(r repo.Repo, notifier Enqueuer, cfg *config.Config) *Sweeper {
	return &Sweeper{Repo: r, Notifier: notifier, Cfg: cfg, Now: time.Now}
}

// Run tickers RunOnce until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Cfg.SweepInterval())
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil {
			slog.Error("sweep: run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce scans active tasks due within the lookahead window and enqueues a
// deadline job for every subscriber not yet marked.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.now()
	cutoff := now.Add(s.Cfg.SweepLookahead()).UTC().Format(time.RFC3339)
	tasks, err := s.Repo.ListTasksDueBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	nowStr := now.UTC().Format(time.RFC3339)
	for _, t := range tasks {
		subs, err := s.Repo.ListSubscriberIDs(ctx, t.ID)
		if err != nil {
			return err
		}
		var recipients []int64
		for _, uid := range subs {
			created, err := s.Repo.InsertNotificationMark(ctx, t.ID, uid, repo.MarkDeadline, nowStr)
			if err != nil {
				return err
			}
			if created {
				recipients = append(recipients, uid)
			}
		}
		if len(recipients) > 0 {
			s.Notifier.Enqueue(Job{
				Kind:       KindDeadline,
				TaskID:     t.ID,
				ProjectID:  t.ProjectID,
				Title:      t.Title,
				Recipients: recipients,
			})
		}
	}
	return nil
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
