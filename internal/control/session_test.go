package control

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/docforge/docforge-agent/internal/db"
	"github.com/docforge/docforge-agent/internal/notify"
	"github.com/docforge/docforge-agent/internal/pipeline"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []any
}

func (s *fakeSink) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, m := range s.msgs {
		switch v := m.(type) {
		case Envelope:
			out = append(out, v.Type)
		case ProgressMessage:
			out = append(out, v.Type)
		case ErrorMessage:
			out = append(out, v.Type)
		}
	}
	return out
}

func setupSessionTest(t *testing.T) (*Session, *fakeSink, *pipeline.Pipeline, *notify.Notifier) {
	t.Helper()

	tmpDir := t.TempDir()
	database, err := db.New(filepath.Join(tmpDir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := pipeline.NewStore(database.Conn(), nil, 1)
	registry := pipeline.NewHandlerRegistry()
	interrupts := pipeline.NewInterruptController()
	notifier := notify.NewNotifier(store, logger)
	executor := pipeline.NewExecutor(store, registry, interrupts, notifier, logger, 0)
	service := pipeline.NewService(store, registry, executor, interrupts, notifier, logger)

	p, _, err := store.CreatePipeline(context.Background(), "doc-1", "user-1", pipeline.Options{}, []pipeline.StageSpec{
		{Type: pipeline.StageTypeSummary, CanInterrupt: true},
	})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}

	sink := &fakeSink{}
	session := NewSession("user-1", sink, notifier, service, logger)
	return session, sink, p, notifier
}

func TestSession_PingPong(t *testing.T) {
	session, sink, _, _ := setupSessionTest(t)

	if err := session.Handle(context.Background(), []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Handle(ping) error = %v", err)
	}

	types := sink.types()
	if len(types) != 1 || types[0] != TypePong {
		t.Errorf("replies = %v, want [pong]", types)
	}
}

func TestSession_SubscribeAndPublish(t *testing.T) {
	session, sink, p, notifier := setupSessionTest(t)
	ctx := context.Background()

	msg := []byte(`{"type":"subscribe","pipeline_id":"` + p.ID + `"}`)
	if err := session.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle(subscribe) error = %v", err)
	}

	// The subscribe pushes a fresh snapshot, then acknowledges.
	types := sink.types()
	if len(types) != 2 || types[0] != TypeProgress || types[1] != TypeSubscribed {
		t.Fatalf("replies = %v, want [progress subscribed]", types)
	}

	notifier.Publish(ctx, p.ID)
	types = sink.types()
	if len(types) != 3 || types[2] != TypeProgress {
		t.Errorf("replies after publish = %v, want trailing progress", types)
	}

	// After unsubscribe, publishes no longer reach the session.
	if err := session.Handle(ctx, []byte(`{"type":"unsubscribe","pipeline_id":"`+p.ID+`"}`)); err != nil {
		t.Fatalf("Handle(unsubscribe) error = %v", err)
	}
	notifier.Publish(ctx, p.ID)
	types = sink.types()
	if len(types) != 4 || types[3] != TypeUnsubscribed {
		t.Errorf("replies after unsubscribe = %v, want trailing unsubscribed and no progress", types)
	}
}

func TestSession_GetStatus(t *testing.T) {
	session, sink, p, _ := setupSessionTest(t)

	msg := []byte(`{"type":"get_status","pipeline_id":"` + p.ID + `"}`)
	if err := session.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle(get_status) error = %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 1 {
		t.Fatalf("got %d replies, want 1", len(sink.msgs))
	}
	status, ok := sink.msgs[0].(ProgressMessage)
	if !ok || status.Type != TypeStatus {
		t.Fatalf("reply = %#v, want status message", sink.msgs[0])
	}
	if status.Snapshot.PipelineID != p.ID {
		t.Errorf("status snapshot pipeline = %s, want %s", status.Snapshot.PipelineID, p.ID)
	}
}

func TestSession_Errors(t *testing.T) {
	session, sink, _, _ := setupSessionTest(t)
	ctx := context.Background()

	cases := [][]byte{
		[]byte(`{"type":"warp"}`),
		[]byte(`{"type":"subscribe"}`),
		[]byte(`{"type":"subscribe","pipeline_id":"missing"}`),
		[]byte(`not json`),
	}
	for _, raw := range cases {
		if err := session.Handle(ctx, raw); err != nil {
			t.Fatalf("Handle(%s) error = %v", raw, err)
		}
	}

	for i, typ := range sink.types() {
		if typ != TypeError {
			t.Errorf("reply %d = %s, want error", i, typ)
		}
	}
	if len(sink.types()) != len(cases) {
		t.Errorf("got %d replies, want %d", len(sink.types()), len(cases))
	}
}

func TestSession_CloseUnsubscribes(t *testing.T) {
	session, sink, p, notifier := setupSessionTest(t)
	ctx := context.Background()

	if err := session.Handle(ctx, []byte(`{"type":"subscribe","pipeline_id":"`+p.ID+`"}`)); err != nil {
		t.Fatalf("Handle(subscribe) error = %v", err)
	}

	session.Close()

	before := len(sink.types())
	notifier.Publish(ctx, p.ID)
	if len(sink.types()) != before {
		t.Error("closed session still received a publish")
	}
}
