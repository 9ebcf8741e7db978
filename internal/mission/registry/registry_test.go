package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/mission/models"
)

type capturedEvent struct {
	missionID string
	draft     models.EventDraft
}

type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *captureEmitter) emit(ctx context.Context, missionID string, draft models.EventDraft) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{missionID: missionID, draft: draft})
	return nil
}

func (c *captureEmitter) all() []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *captureEmitter) {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	r, err := New(pool, log)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	emitter := &captureEmitter{}
	r.SetEmitter(emitter.emit)
	return r, emitter
}

func TestCreateEmitsStatusChanged(t *testing.T) {
	r, emitter := newTestRegistry(t)
	ctx := context.Background()

	mission, err := r.Create(ctx, CreateParams{Title: "demo", Agent: "coder"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if mission.ID == "" {
		t.Error("mission id should be assigned")
	}
	if mission.Status != models.StatusActive {
		t.Errorf("expected active, got %s", mission.Status)
	}

	events := emitter.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 emitted event, got %d", len(events))
	}
	if events[0].draft.EventType != models.EventStatusChanged {
		t.Errorf("expected mission_status_changed, got %s", events[0].draft.EventType)
	}
	if events[0].draft.Metadata["to"] != string(models.StatusActive) {
		t.Errorf("expected to=active, got %v", events[0].draft.Metadata["to"])
	}
	if events[0].draft.Metadata["from"] != nil {
		t.Errorf("expected from=nil on creation, got %v", events[0].draft.Metadata["from"])
	}
}

func TestGetUnknownMission(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get(context.Background(), "nope")
	if !errors.Is(err, ErrMissionNotFound) {
		t.Errorf("expected ErrMissionNotFound, got %v", err)
	}
}

func TestSetStatusTransitions(t *testing.T) {
	r, emitter := newTestRegistry(t)
	ctx := context.Background()

	mission, err := r.Create(ctx, CreateParams{Title: "demo"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updated, err := r.SetStatus(ctx, mission.ID, models.StatusInterrupted, "user cancel")
	if err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	if updated.Status != models.StatusInterrupted {
		t.Errorf("expected interrupted, got %s", updated.Status)
	}
	if updated.InterruptedAt == nil {
		t.Error("interrupted_at should be set")
	}

	// interrupted -> completed is not in the table
	_, err = r.SetStatus(ctx, mission.ID, models.StatusCompleted, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	events := emitter.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events (create + interrupt), got %d", len(events))
	}
	last := events[1].draft
	if last.Metadata["from"] != string(models.StatusActive) || last.Metadata["to"] != string(models.StatusInterrupted) {
		t.Errorf("unexpected transition metadata: %v", last.Metadata)
	}
	if last.Metadata["reason"] != "user cancel" {
		t.Errorf("expected reason in metadata, got %v", last.Metadata["reason"])
	}
}

func TestResume(t *testing.T) {
	r, emitter := newTestRegistry(t)
	ctx := context.Background()

	mission, err := r.Create(ctx, CreateParams{Title: "demo"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := r.SetStatus(ctx, mission.ID, models.StatusBlocked, "iteration limit"); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	resumed, transitioned, err := r.Resume(ctx, mission.ID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !transitioned {
		t.Error("first resume should transition")
	}
	if resumed.Status != models.StatusActive {
		t.Errorf("expected active, got %s", resumed.Status)
	}

	// Second resume in quick succession is a no-op
	again, transitioned, err := r.Resume(ctx, mission.ID)
	if err != nil {
		t.Fatalf("second resume failed: %v", err)
	}
	if transitioned {
		t.Error("second resume should be a no-op")
	}
	if again.Status != models.StatusActive {
		t.Errorf("expected active, got %s", again.Status)
	}

	// create + blocked + one resume
	if got := len(emitter.all()); got != 3 {
		t.Errorf("expected 3 emitted events, got %d", got)
	}
}

func TestResumeNotFeasibleRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	mission, err := r.Create(ctx, CreateParams{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := r.SetStatus(ctx, mission.ID, models.StatusNotFeasible, ""); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	_, _, err = r.Resume(ctx, mission.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestListOrdering(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m1, err := r.Create(ctx, CreateParams{Title: "first"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	m2, err := r.Create(ctx, CreateParams{Title: "second"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Touching m1 moves it to the front of the updated_at ordering
	if _, err := r.SetStatus(ctx, m1.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	missions, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(missions) != 2 {
		t.Fatalf("expected 2 missions, got %d", len(missions))
	}
	if missions[0].ID != m1.ID {
		t.Errorf("expected most recently updated first, got %s", missions[0].Title)
	}

	running, err := r.ListRunning(ctx)
	if err != nil {
		t.Fatalf("list running failed: %v", err)
	}
	if len(running) != 1 || running[0].ID != m2.ID {
		t.Errorf("expected only %s running, got %+v", m2.ID, running)
	}
}
