// Package health watches running missions for stalls and publishes
// debounced notifications on the event bus.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/mission/runtime"
	"github.com/missionctl/missionctl/internal/mission/scheduler"
	"github.com/missionctl/missionctl/internal/mission/store"
)

const defaultTick = 5 * time.Second

// Severity levels reported on the health subject
const (
	SeverityOK     = "ok"
	SeverityWarn   = "warn"
	SeveritySevere = "severe"
)

// Detector is the periodic stall watcher. Severity changes are published
// on the mission.health subject; unchanged severities are not repeated.
type Detector struct {
	scheduler *scheduler.Scheduler
	store     *store.Store
	bus       bus.EventBus
	logger    *logger.Logger

	warnAfter   time.Duration
	severeAfter time.Duration
	tick        time.Duration

	mu       sync.Mutex
	reported map[string]string
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New creates the detector. warnAfter/severeAfter are the inactivity
// thresholds (defaults 60s/180s when zero).
func New(sched *scheduler.Scheduler, st *store.Store, eventBus bus.EventBus,
	warnAfter, severeAfter time.Duration, log *logger.Logger) *Detector {
	if warnAfter <= 0 {
		warnAfter = 60 * time.Second
	}
	if severeAfter <= 0 {
		severeAfter = 180 * time.Second
	}
	return &Detector{
		scheduler:   sched,
		store:       st,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "stall_detector")),
		warnAfter:   warnAfter,
		severeAfter: severeAfter,
		tick:        defaultTick,
		reported:    make(map[string]string),
		stopCh:      make(chan struct{}),
	}
}

// SetTick overrides the scan interval (used by tests)
func (d *Detector) SetTick(tick time.Duration) {
	d.tick = tick
}

// Start launches the periodic scan
func (d *Detector) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
}

// Stop halts the scan loop
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}

func (d *Detector) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.scan(context.Background())
		}
	}
}

// scan walks the running workers and publishes severity transitions
func (d *Detector) scan(ctx context.Context) {
	workers := d.scheduler.Workers()
	now := time.Now().UTC()
	live := make(map[string]bool, len(workers))

	for _, w := range workers {
		missionID := w.MissionID()
		live[missionID] = true

		idle := d.idleFor(ctx, w, now)
		severity := d.severityFor(idle)

		d.mu.Lock()
		previous, seen := d.reported[missionID]
		changed := !seen && severity != SeverityOK || seen && previous != severity
		if changed {
			d.reported[missionID] = severity
		}
		d.mu.Unlock()

		if !changed {
			continue
		}

		lastSeq, _ := d.store.LastSequence(ctx, missionID)
		notification := events.StallNotification{
			MissionID:    missionID,
			Severity:     severity,
			IdleSeconds:  int64(idle.Seconds()),
			LastSequence: lastSeq,
		}
		if err := d.bus.Publish(ctx, events.SubjectMissionHealth,
			bus.NewEvent(events.TypeMissionStall, "stall_detector", notification)); err != nil {
			d.logger.Error("Failed to publish stall notification", zap.Error(err))
		}

		if severity != SeverityOK {
			d.logger.Warn("Mission stalled",
				zap.String("mission_id", missionID),
				zap.String("severity", severity),
				zap.Int64("idle_seconds", int64(idle.Seconds())))
		}
	}

	// Forget missions whose workers exited
	d.mu.Lock()
	for id := range d.reported {
		if !live[id] {
			delete(d.reported, id)
		}
	}
	d.mu.Unlock()
}

// idleFor computes now - max(last event timestamp, worker heartbeat)
func (d *Detector) idleFor(ctx context.Context, w *runtime.Worker, now time.Time) time.Duration {
	idle := now.Sub(w.LastActivity())

	if lastSeq, err := d.store.LastSequence(ctx, w.MissionID()); err == nil && lastSeq > 0 {
		if evs, err := d.store.ReadSince(ctx, w.MissionID(), lastSeq-1, 1); err == nil && len(evs) == 1 {
			if sinceEvent := now.Sub(evs[0].Timestamp); sinceEvent < idle {
				idle = sinceEvent
			}
		}
	}
	if idle < 0 {
		idle = 0
	}
	return idle
}

func (d *Detector) severityFor(idle time.Duration) string {
	switch {
	case idle >= d.severeAfter:
		return SeveritySevere
	case idle >= d.warnAfter:
		return SeverityWarn
	default:
		return SeverityOK
	}
}
