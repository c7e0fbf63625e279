package events_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/events"
	"taskline/internal/migrate"
	"taskline/internal/repo"
)

type sinkRecorder struct {
	mu       sync.Mutex
	fail     bool
	received []sinkMessage
}

type sinkMessage struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (s *sinkRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var msg sinkMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.received = append(s.received, msg)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *sinkRecorder) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *sinkRecorder) all() []sinkMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkMessage(nil), s.received...)
}

func newPublisherEnv(t *testing.T) (*sql.DB, repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return conn, repo.Repo{DB: conn}, w
}

func appendEvent(t *testing.T, conn *sql.DB, w events.Writer, evtType string) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, evtType, "p1", "task", "t1", "2", events.EventPayload{"title": "fix login"}))
	require.NoError(t, tx.Commit())
}

func TestDrainDeliversInOrder(t *testing.T) {
	conn, r, w := newPublisherEnv(t)
	appendEvent(t, conn, w, "task.created")
	appendEvent(t, conn, w, "task.updated")

	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	cfg := config.Default()
	cfg.EventSink.URL = srv.URL
	p := events.NewPublisher(r, cfg)
	p.ResetCursor(0)
	p.Drain(context.Background())

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, "taskline", got[0].Topic)
	assert.Equal(t, "task.created", got[0].Key)
	assert.Equal(t, "task.updated", got[1].Key)

	var value struct {
		ID      int64           `json:"id"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(got[0].Value, &value))
	assert.Equal(t, "task.created", value.Type)
	assert.JSONEq(t, `{"title":"fix login"}`, string(value.Payload))

	// already drained: another pass delivers nothing
	p.Drain(context.Background())
	assert.Len(t, sink.all(), 2)

	// new events picked up from the cursor
	appendEvent(t, conn, w, "project.updated")
	p.Drain(context.Background())
	got = sink.all()
	require.Len(t, got, 3)
	assert.Equal(t, "project.updated", got[2].Key)
}

func TestDrainRetriesAfterSinkFailure(t *testing.T) {
	conn, r, w := newPublisherEnv(t)
	appendEvent(t, conn, w, "task.created")

	sink := &sinkRecorder{}
	sink.setFail(true)
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	cfg := config.Default()
	cfg.EventSink.URL = srv.URL
	p := events.NewPublisher(r, cfg)
	p.ResetCursor(0)

	p.Drain(context.Background())
	assert.Empty(t, sink.all())

	// the cursor did not advance, so the event is redelivered once the sink
	// recovers
	sink.setFail(false)
	p.Drain(context.Background())
	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "task.created", got[0].Key)
}

func TestFreshPublisherSkipsHistory(t *testing.T) {
	conn, r, w := newPublisherEnv(t)
	appendEvent(t, conn, w, "task.created")

	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	cfg := config.Default()
	cfg.EventSink.URL = srv.URL
	p := events.NewPublisher(r, cfg)

	// no ResetCursor: the cursor initializes past existing events
	p.Drain(context.Background())
	assert.Empty(t, sink.all())

	appendEvent(t, conn, w, "task.updated")
	p.Drain(context.Background())
	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "task.updated", got[0].Key)
}
