package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/mission/models"
	"github.com/missionctl/missionctl/internal/mission/queue"
	"github.com/missionctl/missionctl/internal/mission/registry"
	"github.com/missionctl/missionctl/internal/mission/runtime"
	"github.com/missionctl/missionctl/internal/mission/store"
	"github.com/missionctl/missionctl/internal/mission/toolcall"
)

// hangingProvider streams nothing until the turn context is cancelled,
// keeping workers occupied for scheduling tests.
type hangingProvider struct{}

func (hangingProvider) StartTurn(ctx context.Context, req runtime.TurnRequest) (<-chan runtime.Chunk, error) {
	ch := make(chan runtime.Chunk)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type fixture struct {
	scheduler *Scheduler
	registry  *registry.Registry
	queue     *queue.Queue
	store     *store.Store
}

func newFixture(t *testing.T, maxParallel int) *fixture {
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

	reg, err := registry.New(pool, log)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	st, err := store.New(pool, log)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	q, err := queue.New(pool, 0, log)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	coord := toolcall.New(log)

	commit := func(ctx context.Context, missionID string, draft models.EventDraft) (*models.StoredEvent, error) {
		return st.Append(ctx, missionID, draft)
	}
	reg.SetEmitter(func(ctx context.Context, missionID string, draft models.EventDraft) error {
		_, err := commit(ctx, missionID, draft)
		return err
	})

	rt := runtime.New(runtime.Config{MaxIterations: 10}, q, reg, coord, hangingProvider{}, commit, st, log)
	s := New(maxParallel, rt.StartWorker, q, reg, st, log)
	t.Cleanup(func() { s.Shutdown("test teardown") })
	return &fixture{scheduler: s, registry: reg, queue: q, store: st}
}

func (f *fixture) createMission(t *testing.T, title string) string {
	t.Helper()
	mission, err := f.registry.Create(context.Background(), registry.CreateParams{Title: title})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.queue.Enqueue(context.Background(), mission.ID, "work", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return mission.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParallelCapAndPromotion(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	m1 := f.createMission(t, "one")
	m2 := f.createMission(t, "two")
	m3 := f.createMission(t, "three")

	f.scheduler.Start(m1)
	f.scheduler.Start(m2)
	f.scheduler.Start(m3)

	if !f.scheduler.IsRunning(m1) || !f.scheduler.IsRunning(m2) {
		t.Fatal("expected first two missions running")
	}
	if f.scheduler.IsRunning(m3) {
		t.Fatal("third mission should be queued, not running")
	}

	snapshot, err := f.scheduler.Snapshot(ctx, time.Minute, 3*time.Minute)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	states := map[string]string{}
	for _, row := range snapshot.Missions {
		states[row.MissionID] = row.State
	}
	if states[m3] != "queued" {
		t.Errorf("expected %s queued, got %q", m3, states[m3])
	}
	if states[m1] == "queued" || states[m2] == "queued" {
		t.Errorf("first two missions should not be queued: %v", states)
	}

	// Freeing a slot promotes the oldest pending mission
	if !f.scheduler.Stop(m1, "completed") {
		t.Fatal("stop should find the running worker")
	}
	waitFor(t, "m3 promotion", func() bool { return f.scheduler.IsRunning(m3) })
	if f.scheduler.IsRunning(m1) {
		t.Error("stopped mission should not be running")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)

	m1 := f.createMission(t, "one")
	f.scheduler.Start(m1)
	f.scheduler.Start(m1)

	if got := len(f.scheduler.Workers()); got != 1 {
		t.Errorf("expected 1 worker, got %d", got)
	}
}

func TestStopPendingMission(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	m1 := f.createMission(t, "one")
	m2 := f.createMission(t, "two")
	f.scheduler.Start(m1)
	f.scheduler.Start(m2)

	if !f.scheduler.Stop(m2, "removed") {
		t.Fatal("stopping a pending mission should succeed")
	}

	snapshot, err := f.scheduler.Snapshot(ctx, 0, 0)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	for _, row := range snapshot.Missions {
		if row.MissionID == m2 {
			t.Errorf("removed mission still in snapshot: %+v", row)
		}
	}

	if f.scheduler.Stop("unknown", "x") {
		t.Error("stopping an unknown mission should report false")
	}
}

func TestLifecycleNotifications(t *testing.T) {
	f := newFixture(t, 1)

	type note struct{ missionID, state string }
	notes := make(chan note, 16)
	f.scheduler.SetNotifier(func(missionID, state string) {
		notes <- note{missionID, state}
	})

	m1 := f.createMission(t, "one")
	m2 := f.createMission(t, "two")
	f.scheduler.Start(m1)
	f.scheduler.Start(m2)

	if n := <-notes; n.missionID != m1 || n.state != "running" {
		t.Errorf("expected m1 running, got %+v", n)
	}
	if n := <-notes; n.missionID != m2 || n.state != "queued" {
		t.Errorf("expected m2 queued, got %+v", n)
	}

	f.scheduler.Stop(m1, "done")

	// m1 stopped, then m2 promoted
	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-notes:
			seen[n.missionID] = n.state
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notifications")
		}
	}
	if seen[m1] != "stopped" || seen[m2] != "running" {
		t.Errorf("unexpected notifications: %v", seen)
	}
}
