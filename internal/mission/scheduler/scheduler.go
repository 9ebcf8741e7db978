// Package scheduler bounds agent loop concurrency. At most maxParallel
// workers run at once; further missions wait in FIFO order and are
// started as slots free up.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/mission/queue"
	"github.com/missionctl/missionctl/internal/mission/registry"
	"github.com/missionctl/missionctl/internal/mission/runtime"
	"github.com/missionctl/missionctl/internal/mission/store"
	v1 "github.com/missionctl/missionctl/pkg/api/v1"
)

// LaunchFunc starts the agent loop worker for a mission
type LaunchFunc func(missionID string) *runtime.Worker

// Notifier receives lifecycle notifications ("running", "queued",
// "stopped") for publishing on the event bus. Optional.
type Notifier func(missionID, state string)

// Scheduler admits missions up to the parallel cap
type Scheduler struct {
	maxParallel int
	launch      LaunchFunc
	queue       *queue.Queue
	registry    *registry.Registry
	store       *store.Store
	logger      *logger.Logger
	notify      Notifier

	mu      sync.Mutex
	running map[string]*runtime.Worker
	pending []string
	closed  bool
}

// New creates the scheduler
func New(maxParallel int, launch LaunchFunc, q *queue.Queue, reg *registry.Registry,
	st *store.Store, log *logger.Logger) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 3
	}
	return &Scheduler{
		maxParallel: maxParallel,
		launch:      launch,
		queue:       q,
		registry:    reg,
		store:       st,
		logger:      log.WithFields(zap.String("component", "scheduler")),
		running:     make(map[string]*runtime.Worker),
	}
}

// SetNotifier installs the lifecycle notification hook
func (s *Scheduler) SetNotifier(notify Notifier) {
	s.notify = notify
}

// Start admits a mission. When the cap is reached, the mission is
// recorded as scheduled and started later in FIFO order. Requests are
// never rejected. Idempotent for missions already running or pending.
func (s *Scheduler) Start(missionID string) {
	s.mu.Lock()
	if s.closed || s.running[missionID] != nil || s.isPendingLocked(missionID) {
		s.mu.Unlock()
		return
	}

	if len(s.running) < s.maxParallel {
		s.launchLocked(missionID)
		s.mu.Unlock()
		s.emit(missionID, "running")
		return
	}

	s.pending = append(s.pending, missionID)
	s.mu.Unlock()

	s.logger.Info("Mission scheduled, waiting for slot",
		zap.String("mission_id", missionID),
		zap.Int("max_parallel", s.maxParallel))
	s.emit(missionID, "queued")
}

func (s *Scheduler) isPendingLocked(missionID string) bool {
	for _, id := range s.pending {
		if id == missionID {
			return true
		}
	}
	return false
}

// launchLocked starts the worker and its exit watcher. Caller holds the lock.
func (s *Scheduler) launchLocked(missionID string) {
	w := s.launch(missionID)
	s.running[missionID] = w
	s.logger.Info("Mission worker started", zap.String("mission_id", missionID))
	go func() {
		<-w.Done()
		s.onExit(missionID, w)
	}()
}

// onExit frees the slot and promotes pending missions FIFO
func (s *Scheduler) onExit(missionID string, w *runtime.Worker) {
	var promoted []string
	s.mu.Lock()
	if s.running[missionID] == w {
		delete(s.running, missionID)
	}
	if !s.closed {
		for len(s.running) < s.maxParallel && len(s.pending) > 0 {
			next := s.pending[0]
			s.pending = s.pending[1:]
			s.launchLocked(next)
			promoted = append(promoted, next)
		}
	}
	s.mu.Unlock()

	s.emit(missionID, "stopped")
	for _, id := range promoted {
		s.emit(id, "running")
	}
}

func (s *Scheduler) emit(missionID, state string) {
	if s.notify != nil {
		s.notify(missionID, state)
	}
}

// Stop removes a mission from the scheduler: a pending mission is
// dropped, a running worker is stopped and its exit frees the slot.
// Blocks until the worker has exited. Returns false when the mission was
// neither running nor pending.
func (s *Scheduler) Stop(missionID, reason string) bool {
	s.mu.Lock()
	for i, id := range s.pending {
		if id == missionID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.mu.Unlock()
			s.emit(missionID, "stopped")
			return true
		}
	}
	w := s.running[missionID]
	s.mu.Unlock()

	if w == nil {
		return false
	}
	w.Stop(reason)
	return true
}

// IsRunning reports whether the mission has a live worker
func (s *Scheduler) IsRunning(missionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[missionID] != nil
}

// Workers returns the live workers, for the stall detector
func (s *Scheduler) Workers() []*runtime.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	workers := make([]*runtime.Worker, 0, len(s.running))
	for _, w := range s.running {
		workers = append(workers, w)
	}
	return workers
}

// Snapshot reports the running and scheduled missions. Health thresholds
// are applied by the caller (the stall detector owns them); here the
// health field reflects only activity age when thresholds are supplied.
func (s *Scheduler) Snapshot(ctx context.Context, warnAfter, severeAfter time.Duration) (*v1.SchedulerSnapshot, error) {
	s.mu.Lock()
	type liveEntry struct {
		missionID    string
		state        string
		lastActivity time.Time
	}
	entries := make([]liveEntry, 0, len(s.running))
	for id, w := range s.running {
		state := w.State()
		if state == runtime.StateIdle {
			state = runtime.StateRunning
		}
		entries = append(entries, liveEntry{missionID: id, state: state, lastActivity: w.LastActivity()})
	}
	pending := make([]string, len(s.pending))
	copy(pending, s.pending)
	s.mu.Unlock()

	snapshot := &v1.SchedulerSnapshot{MaxParallel: s.maxParallel}
	now := time.Now().UTC()

	for _, e := range entries {
		row, err := s.buildRow(ctx, e.missionID, e.state)
		if err != nil {
			return nil, err
		}

		idle := now.Sub(e.lastActivity)
		if lastEvent, err := s.lastEventTime(ctx, e.missionID); err == nil && !lastEvent.IsZero() {
			if sinceEvent := now.Sub(lastEvent); sinceEvent < idle {
				idle = sinceEvent
			}
		}
		if idle < 0 {
			idle = 0
		}
		row.SecondsSinceActivity = int64(idle.Seconds())
		row.Health = healthFor(idle, warnAfter, severeAfter)
		snapshot.Missions = append(snapshot.Missions, *row)
	}

	for _, id := range pending {
		row, err := s.buildRow(ctx, id, "queued")
		if err != nil {
			return nil, err
		}
		row.Health = "ok"
		snapshot.Missions = append(snapshot.Missions, *row)
	}

	return snapshot, nil
}

func (s *Scheduler) buildRow(ctx context.Context, missionID, state string) (*v1.RunningMission, error) {
	row := &v1.RunningMission{MissionID: missionID, State: state}

	if mission, err := s.registry.Get(ctx, missionID); err == nil {
		row.Title = mission.Title
		if deliverables, ok := mission.Metadata["expected_deliverables"].(string); ok {
			row.ExpectedDeliverables = deliverables
		}
	}
	queueLen, err := s.queue.Len(ctx, missionID)
	if err != nil {
		return nil, err
	}
	row.QueueLen = queueLen
	lastSeq, err := s.store.LastSequence(ctx, missionID)
	if err != nil {
		return nil, err
	}
	row.HistoryLen = lastSeq
	if lastSeq > 0 {
		if events, err := s.store.ReadSince(ctx, missionID, lastSeq-1, 1); err == nil && len(events) > 0 {
			row.CurrentActivity = string(events[0].EventType)
		}
	}
	return row, nil
}

// lastEventTime reads the timestamp of the mission's newest event
func (s *Scheduler) lastEventTime(ctx context.Context, missionID string) (time.Time, error) {
	lastSeq, err := s.store.LastSequence(ctx, missionID)
	if err != nil || lastSeq == 0 {
		return time.Time{}, err
	}
	events, err := s.store.ReadSince(ctx, missionID, lastSeq-1, 1)
	if err != nil || len(events) == 0 {
		return time.Time{}, err
	}
	return events[0].Timestamp, nil
}

func healthFor(idle, warnAfter, severeAfter time.Duration) string {
	switch {
	case severeAfter > 0 && idle >= severeAfter:
		return "severe"
	case warnAfter > 0 && idle >= warnAfter:
		return "warn"
	default:
		return "ok"
	}
}

// Shutdown stops every worker and drops the pending list. Returns the
// ids of missions whose workers were stopped, so the caller can record
// their interruption.
func (s *Scheduler) Shutdown(reason string) []string {
	s.mu.Lock()
	s.closed = true
	workers := make(map[string]*runtime.Worker, len(s.running))
	for id, w := range s.running {
		workers[id] = w
	}
	s.pending = nil
	s.mu.Unlock()

	stopped := make([]string, 0, len(workers))
	for id, w := range workers {
		w.Stop(reason)
		stopped = append(stopped, id)
	}
	s.logger.Info("Scheduler shut down", zap.Int("stopped_workers", len(stopped)))
	return stopped
}
