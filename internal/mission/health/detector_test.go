package health

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/mission/models"
	"github.com/missionctl/missionctl/internal/mission/queue"
	"github.com/missionctl/missionctl/internal/mission/registry"
	"github.com/missionctl/missionctl/internal/mission/runtime"
	"github.com/missionctl/missionctl/internal/mission/scheduler"
	"github.com/missionctl/missionctl/internal/mission/store"
	"github.com/missionctl/missionctl/internal/mission/toolcall"
)

type hangingProvider struct{}

func (hangingProvider) StartTurn(ctx context.Context, req runtime.TurnRequest) (<-chan runtime.Chunk, error) {
	ch := make(chan runtime.Chunk)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestStallSeverityEscalation(t *testing.T) {
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

	commit := func(ctx context.Context, missionID string, draft models.EventDraft) (*models.StoredEvent, error) {
		return st.Append(ctx, missionID, draft)
	}
	reg.SetEmitter(func(ctx context.Context, missionID string, draft models.EventDraft) error {
		_, err := commit(ctx, missionID, draft)
		return err
	})

	rt := runtime.New(runtime.Config{MaxIterations: 10}, q, reg, toolcall.New(log), hangingProvider{}, commit, st, log)
	sched := scheduler.New(2, rt.StartWorker, q, reg, st, log)
	t.Cleanup(func() { sched.Shutdown("teardown") })

	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	var mu sync.Mutex
	var notifications []events.StallNotification
	_, err = memBus.Subscribe(events.SubjectMissionHealth, func(ctx context.Context, e *bus.Event) error {
		n, ok := e.Data.(events.StallNotification)
		if !ok {
			t.Errorf("unexpected payload type %T", e.Data)
			return nil
		}
		mu.Lock()
		notifications = append(notifications, n)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	mission, err := reg.Create(context.Background(), registry.CreateParams{Title: "stuck"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), mission.ID, "hang", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	sched.Start(mission.ID)

	detector := New(sched, st, memBus, 80*time.Millisecond, 240*time.Millisecond, log)
	detector.SetTick(20 * time.Millisecond)
	detector.Start()
	defer detector.Stop()

	deadline := time.Now().Add(5 * time.Second)
	sawWarn, sawSevere := false, false
	for time.Now().Before(deadline) && !(sawWarn && sawSevere) {
		mu.Lock()
		for _, n := range notifications {
			if n.MissionID == mission.ID && n.Severity == SeverityWarn {
				sawWarn = true
			}
			if n.MissionID == mission.ID && n.Severity == SeveritySevere {
				sawSevere = true
			}
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	if !sawWarn || !sawSevere {
		t.Fatalf("expected warn and severe notifications, got warn=%v severe=%v", sawWarn, sawSevere)
	}

	// Debounce: steady severity is not re-published
	mu.Lock()
	before := len(notifications)
	mu.Unlock()
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	after := len(notifications)
	mu.Unlock()
	if after != before {
		t.Errorf("expected no repeat notifications at steady severity, got %d new", after-before)
	}
}
