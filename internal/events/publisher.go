package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/repo"
)

// Publisher drains the events outbox to the external event-stream sink as
// POST {topic,key,value} messages. The cursor only advances after a 2xx, so
// delivery is at-least-once; consumers are expected to dedup on event id.
type Publisher struct {
	repo   repo.Repo
	cfg    *config.Config
	client *http.Client

	mu        sync.Mutex
	cursor    int64
	cursorSet bool
}

func NewPublisher(r repo.Repo, cfg *config.Config) *Publisher {
	return &Publisher{
		repo:   r,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.SinkTimeout()},
	}
}

// Run polls until ctx is done. A nil sink URL disables publishing entirely.
func (p *Publisher) Run(ctx context.Context) {
	if strings.TrimSpace(p.cfg.EventSink.URL) == "" {
		slog.Info("event sink not configured, publisher idle")
		return
	}
	ticker := time.NewTicker(p.cfg.SinkInterval())
	defer ticker.Stop()
	for {
		p.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain publishes pending events until the outbox is empty or a delivery
// fails. Failures are logged and retried on the next tick.
func (p *Publisher) Drain(ctx context.Context) {
	for {
		events, err := p.repo.EventsAfter(ctx, p.cfg.EventSink.Batch, p.cursorValue(ctx))
		if err != nil {
			slog.Error("event sink: fetch outbox failed", "error", err)
			return
		}
		if len(events) == 0 {
			return
		}
		for _, evt := range events {
			if err := p.post(ctx, evt); err != nil {
				slog.Error("event sink: deliver failed", "event_id", evt.ID, "type", evt.Type, "error", err)
				return
			}
			p.setCursor(evt.ID)
		}
	}
}

// cursorValue initializes the cursor to the newest event already present, so
// a fresh process does not replay history into the sink.
func (p *Publisher) cursorValue(ctx context.Context) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursorSet {
		return p.cursor
	}
	cur, err := p.repo.LatestEventID(ctx)
	if err != nil {
		slog.Error("event sink: init cursor failed", "error", err)
		cur = 0
	}
	p.cursor = cur
	p.cursorSet = true
	return cur
}

func (p *Publisher) setCursor(value int64) {
	p.mu.Lock()
	p.cursor = value
	p.mu.Unlock()
}

// ResetCursor makes the publisher replay from the given event id. Used by
// tests and by operators recovering a sink.
func (p *Publisher) ResetCursor(id int64) {
	p.mu.Lock()
	p.cursor = id
	p.cursorSet = true
	p.mu.Unlock()
}

type sinkMessage struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type sinkEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (p *Publisher) post(ctx context.Context, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	value, err := json.Marshal(sinkEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(sinkMessage{
		Topic: p.cfg.EventSink.Topic,
		Key:   evt.Type,
		Value: value,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.EventSink.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskline-Delivery", fmt.Sprintf("%d", evt.ID))
	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
