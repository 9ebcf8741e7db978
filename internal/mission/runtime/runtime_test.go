package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/mission/models"
	"github.com/missionctl/missionctl/internal/mission/queue"
	"github.com/missionctl/missionctl/internal/mission/registry"
	"github.com/missionctl/missionctl/internal/mission/store"
	"github.com/missionctl/missionctl/internal/mission/toolcall"
)

// scriptedProvider plays back pre-defined chunk streams, one per
// StartTurn invocation.
type scriptedProvider struct {
	mu    sync.Mutex
	turns [][]Chunk
}

func (p *scriptedProvider) StartTurn(ctx context.Context, req TurnRequest) (<-chan Chunk, error) {
	p.mu.Lock()
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return nil, errors.New("no scripted turns left")
	}
	chunks := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type harness struct {
	store    *store.Store
	registry *registry.Registry
	queue    *queue.Queue
	coord    *toolcall.Coordinator
	rt       *Runtime
}

func newHarness(t *testing.T, provider ModelProvider, maxIterations int) *harness {
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

	rt := New(Config{MaxIterations: maxIterations}, q, reg, coord, provider, commit, st, log)
	return &harness{store: st, registry: reg, queue: q, coord: coord, rt: rt}
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

func (h *harness) events(t *testing.T, missionID string) []*models.StoredEvent {
	t.Helper()
	events, err := h.store.ReadRange(context.Background(), missionID, nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	return events
}

func (h *harness) hasEventType(t *testing.T, missionID string, et models.EventType) func() bool {
	return func() bool {
		for _, e := range h.events(t, missionID) {
			if e.EventType == et {
				return true
			}
		}
		return false
	}
}

func TestBasicTurn(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Chunk{{
		{Kind: ChunkTextDelta, Content: "Hi"},
		{Kind: ChunkTextDelta, Content: "Hi there"},
		{Kind: ChunkComplete, Content: "Hi there", Success: true, Model: "test-model"},
	}}}
	h := newHarness(t, provider, 10)
	ctx := context.Background()

	mission, err := h.registry.Create(ctx, registry.CreateParams{Title: "demo"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mission.ID, "hello", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w := h.rt.StartWorker(mission.ID)
	defer w.Stop("test done")

	waitFor(t, "assistant message", h.hasEventType(t, mission.ID, models.EventAssistantMessage))

	events := h.events(t, mission.ID)
	wantTypes := []models.EventType{
		models.EventStatusChanged,
		models.EventUserMessage,
		models.EventTextDelta,
		models.EventTextDelta,
		models.EventAssistantMessage,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Errorf("seq %d: expected %s, got %s", i+1, want, events[i].EventType)
		}
		if events[i].Sequence != int64(i+1) {
			t.Errorf("expected contiguous sequence %d, got %d", i+1, events[i].Sequence)
		}
	}
	if events[1].Content != "hello" {
		t.Errorf("user message content lost: %q", events[1].Content)
	}
	final := events[4]
	if final.Content != "Hi there" {
		t.Errorf("unexpected assistant content: %q", final.Content)
	}
	if final.Metadata["success"] != true {
		t.Errorf("expected success=true, got %v", final.Metadata["success"])
	}
	if final.Metadata["cost_source"] != CostSourceUnknown {
		t.Errorf("expected cost_source=unknown, got %v", final.Metadata["cost_source"])
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Chunk{
		{{Kind: ChunkToolCall, ToolName: "read_file", ToolArgs: map[string]interface{}{"path": "/a"}}},
		{{Kind: ChunkComplete, Content: "done", Success: true}},
	}}
	h := newHarness(t, provider, 10)
	ctx := context.Background()

	mission, err := h.registry.Create(ctx, registry.CreateParams{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mission.ID, "read it", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w := h.rt.StartWorker(mission.ID)
	defer w.Stop("test done")

	waitFor(t, "tool call", h.hasEventType(t, mission.ID, models.EventToolCall))
	waitFor(t, "worker waiting for tool", func() bool { return w.State() == StateWaitingForTool })

	var toolCallID string
	var toolCallSeq int64
	for _, e := range h.events(t, mission.ID) {
		if e.EventType == models.EventToolCall {
			toolCallID = e.ToolCallID
			toolCallSeq = e.Sequence
		}
	}
	if toolCallID == "" {
		t.Fatal("tool_call_id not assigned")
	}

	if err := h.coord.Resolve(toolCallID, toolcall.Result{Content: "abc"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	waitFor(t, "assistant message", h.hasEventType(t, mission.ID, models.EventAssistantMessage))

	for _, e := range h.events(t, mission.ID) {
		if e.EventType == models.EventToolResult {
			if e.ToolCallID != toolCallID {
				t.Errorf("tool_result id mismatch: %s vs %s", e.ToolCallID, toolCallID)
			}
			if e.Sequence != toolCallSeq+1 {
				t.Errorf("expected tool_result at seq %d, got %d", toolCallSeq+1, e.Sequence)
			}
			if e.Content != "abc" {
				t.Errorf("tool_result content lost: %q", e.Content)
			}
		}
	}

	// Duplicate submission: no waiter left
	if err := h.coord.Resolve(toolCallID, toolcall.Result{Content: "again"}); !errors.Is(err, toolcall.ErrNotFound) {
		t.Errorf("expected ErrNotFound on duplicate resolve, got %v", err)
	}
}

func TestCancellationMidTool(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Chunk{
		{{Kind: ChunkToolCall, ToolName: "read_file"}},
	}}
	h := newHarness(t, provider, 10)
	ctx := context.Background()

	mission, err := h.registry.Create(ctx, registry.CreateParams{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mission.ID, "go", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w := h.rt.StartWorker(mission.ID)
	waitFor(t, "worker waiting for tool", func() bool { return w.State() == StateWaitingForTool })

	// Cancel: worker appends the synthetic cancelled tool_result, then
	// the caller records the interruption.
	w.Stop("user cancel")
	if _, err := h.registry.SetStatus(ctx, mission.ID, models.StatusInterrupted, "user cancel"); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	events := h.events(t, mission.ID)
	var sawCancelledResult, sawInterrupted bool
	var resultSeq, statusSeq int64
	for _, e := range events {
		if e.EventType == models.EventToolResult && e.Metadata["status"] == "cancelled" {
			sawCancelledResult = true
			resultSeq = e.Sequence
		}
		if e.EventType == models.EventStatusChanged && e.Metadata["to"] == string(models.StatusInterrupted) {
			sawInterrupted = true
			statusSeq = e.Sequence
		}
	}
	if !sawCancelledResult {
		t.Fatal("expected synthetic cancelled tool_result")
	}
	if !sawInterrupted {
		t.Fatal("expected interrupted status event")
	}
	if resultSeq >= statusSeq {
		t.Errorf("tool_result (seq %d) should precede status change (seq %d)", resultSeq, statusSeq)
	}

	// Resume with skip_message: status returns to active, no synthetic
	// user_message is appended.
	before := len(h.events(t, mission.ID))
	resumed, transitioned, err := h.registry.Resume(ctx, mission.ID)
	if err != nil || !transitioned {
		t.Fatalf("resume failed: %v (transitioned=%v)", err, transitioned)
	}
	if resumed.Status != models.StatusActive {
		t.Errorf("expected active, got %s", resumed.Status)
	}
	after := h.events(t, mission.ID)
	if len(after) != before+1 {
		t.Fatalf("expected exactly one status event on resume, got %d new", len(after)-before)
	}
	if after[len(after)-1].EventType != models.EventStatusChanged {
		t.Errorf("expected status event, got %s", after[len(after)-1].EventType)
	}
}

func TestIterationLimitBlocksMission(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Chunk{
		{{Kind: ChunkToolCall, ToolName: "step"}},
		{{Kind: ChunkToolCall, ToolName: "step"}},
		{{Kind: ChunkToolCall, ToolName: "step"}},
	}}
	h := newHarness(t, provider, 3)
	ctx := context.Background()

	mission, err := h.registry.Create(ctx, registry.CreateParams{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mission.ID, "loop forever", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w := h.rt.StartWorker(mission.ID)
	defer func() { <-w.Done() }()

	// Resolve each tool call as it appears
	go func() {
		resolved := make(map[string]bool)
		for i := 0; i < 3; i++ {
			for {
				var pending []string
				for _, id := range h.coord.Pending(mission.ID) {
					if !resolved[id] {
						pending = append(pending, id)
					}
				}
				if len(pending) > 0 {
					resolved[pending[0]] = true
					_ = h.coord.Resolve(pending[0], toolcall.Result{Content: "ok"})
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	waitFor(t, "blocked status", func() bool {
		m, err := h.registry.Get(ctx, mission.ID)
		return err == nil && m.Status == models.StatusBlocked
	})

	events := h.events(t, mission.ID)
	// The closing assistant_message precedes the blocked status change
	var closeSeq, blockSeq int64
	for _, e := range events {
		if e.EventType == models.EventAssistantMessage {
			closeSeq = e.Sequence
			if e.Content != "iteration limit" || e.Metadata["success"] != false {
				t.Errorf("unexpected closing message: %q %v", e.Content, e.Metadata)
			}
		}
		if e.EventType == models.EventStatusChanged && e.Metadata["to"] == string(models.StatusBlocked) {
			blockSeq = e.Sequence
		}
	}
	if closeSeq == 0 || blockSeq == 0 || closeSeq >= blockSeq {
		t.Errorf("expected assistant_message (seq %d) before blocked status (seq %d)", closeSeq, blockSeq)
	}
}

func TestThinkingMergeRule(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Chunk{{
		{Kind: ChunkThinking, Content: "plan"},
		{Kind: ChunkThinking, Content: "plan the fix"},
		{Kind: ChunkThinking, Content: "apply patch"}, // new thought
		{Kind: ChunkComplete, Content: "done", Success: true},
	}}}
	h := newHarness(t, provider, 10)
	ctx := context.Background()

	mission, err := h.registry.Create(ctx, registry.CreateParams{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mission.ID, "think", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w := h.rt.StartWorker(mission.ID)
	defer w.Stop("test done")

	waitFor(t, "assistant message", h.hasEventType(t, mission.ID, models.EventAssistantMessage))

	type thought struct {
		content string
		done    bool
	}
	var thoughts []thought
	for _, e := range h.events(t, mission.ID) {
		if e.EventType == models.EventThinking {
			thoughts = append(thoughts, thought{content: e.Content, done: e.Metadata["done"] == true})
		}
	}

	want := []thought{
		{"plan", false},
		{"plan the fix", false},
		{"plan the fix", true}, // boundary closes the first thought
		{"apply patch", false},
	}
	if len(thoughts) != len(want) {
		t.Fatalf("expected %d thinking events, got %d: %+v", len(want), len(thoughts), thoughts)
	}
	for i, exp := range want {
		if thoughts[i] != exp {
			t.Errorf("thinking %d: expected %+v, got %+v", i, exp, thoughts[i])
		}
	}
}

func TestFatalModelErrorFailsMission(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Chunk{
		{{Kind: ChunkError, Err: "backend unreachable"}},
	}}
	h := newHarness(t, provider, 10)
	ctx := context.Background()

	mission, err := h.registry.Create(ctx, registry.CreateParams{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mission.ID, "go", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w := h.rt.StartWorker(mission.ID)
	defer func() { <-w.Done() }()

	waitFor(t, "failed status", func() bool {
		m, err := h.registry.Get(ctx, mission.ID)
		return err == nil && m.Status == models.StatusFailed
	})

	var sawError bool
	for _, e := range h.events(t, mission.ID) {
		if e.EventType == models.EventError {
			sawError = true
			if e.Content != "backend unreachable" {
				t.Errorf("unexpected error content: %q", e.Content)
			}
			if e.Metadata["resumable"] != true {
				t.Errorf("expected resumable=true, got %v", e.Metadata["resumable"])
			}
		}
	}
	if !sawError {
		t.Error("expected error event on the mission stream")
	}
}

func TestQueuedMessagesDrainInOrder(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Chunk{
		{{Kind: ChunkComplete, Content: "one", Success: true}},
		{{Kind: ChunkComplete, Content: "two", Success: true}},
	}}
	h := newHarness(t, provider, 10)
	ctx := context.Background()

	mission, err := h.registry.Create(ctx, registry.CreateParams{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mission.ID, "first", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, mission.ID, "second", ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	w := h.rt.StartWorker(mission.ID)
	defer w.Stop("test done")

	waitFor(t, "both turns", func() bool {
		count := 0
		for _, e := range h.events(t, mission.ID) {
			if e.EventType == models.EventAssistantMessage {
				count++
			}
		}
		return count == 2
	})

	var sequence []string
	for _, e := range h.events(t, mission.ID) {
		if e.EventType == models.EventUserMessage || e.EventType == models.EventAssistantMessage {
			sequence = append(sequence, e.Content)
		}
	}
	want := []string{"first", "one", "second", "two"}
	if len(sequence) != len(want) {
		t.Fatalf("expected %v, got %v", want, sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("turn interleaving broken: expected %v, got %v", want, sequence)
		}
	}
}
