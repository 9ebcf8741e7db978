// Package mission is the boundary facade of the mission control core. It
// wires the registry, event store, queue, agent loop runtime, scheduler,
// stall detector and subscription server together and exposes the
// transport-agnostic operations the gateway calls.
package mission

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/common/stringutil"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/mission/health"
	"github.com/missionctl/missionctl/internal/mission/models"
	"github.com/missionctl/missionctl/internal/mission/queue"
	"github.com/missionctl/missionctl/internal/mission/registry"
	"github.com/missionctl/missionctl/internal/mission/runtime"
	"github.com/missionctl/missionctl/internal/mission/scheduler"
	"github.com/missionctl/missionctl/internal/mission/store"
	"github.com/missionctl/missionctl/internal/mission/subserver"
	"github.com/missionctl/missionctl/internal/mission/toolcall"
	"github.com/missionctl/missionctl/internal/mission/tools"
	v1 "github.com/missionctl/missionctl/pkg/api/v1"
)

// resumeMessage is the synthetic user message enqueued on resume unless
// the caller supplies its own or sets skip_message.
const resumeMessage = "MISSION RESUMED"

// Service is the mission control core
type Service struct {
	cfg    *config.Config
	logger *logger.Logger
	bus    bus.EventBus

	registry  *registry.Registry
	store     *store.Store
	queue     *queue.Queue
	runtime   *runtime.Runtime
	scheduler *scheduler.Scheduler
	detector  *health.Detector
	subs      *subserver.Server
	tools     *tools.Dispatcher
	profiles  config.Profiles
}

// NewService builds the core on top of the shared database pool and event
// bus. The model provider is the pluggable capability driving turns.
func NewService(cfg *config.Config, pool *db.Pool, eventBus bus.EventBus,
	provider runtime.ModelProvider, log *logger.Logger) (*Service, error) {
	reg, err := registry.New(pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create mission registry: %w", err)
	}
	st, err := store.New(pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create event store: %w", err)
	}
	q, err := queue.New(pool, cfg.Mission.QueueCap, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create message queue: %w", err)
	}

	profiles, err := config.LoadProfiles(cfg.Mission.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load mission profiles: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "mission_service")),
		bus:      eventBus,
		registry: reg,
		store:    st,
		queue:    q,
		profiles: profiles,
	}

	// A commit is an append followed by a publish; the publish never
	// happens before the append returns.
	reg.SetEmitter(func(ctx context.Context, missionID string, draft models.EventDraft) error {
		_, err := s.commit(ctx, missionID, draft)
		return err
	})

	s.runtime = runtime.New(
		runtime.Config{MaxIterations: cfg.Mission.MaxIterations},
		q, reg, toolcall.New(log), provider, s.commit, st, log)

	s.scheduler = scheduler.New(cfg.Mission.MaxParallelMissions, s.runtime.StartWorker, q, reg, st, log)
	s.scheduler.SetNotifier(s.publishLifecycle)

	s.detector = health.New(s.scheduler, st, eventBus,
		cfg.Mission.StallWarn(), cfg.Mission.StallSevere(), log)

	s.subs = subserver.NewServer(st, eventBus, subserver.Config{
		Buffer:    cfg.Mission.SubscriptionBuffer,
		Keepalive: cfg.Mission.Keepalive(),
		PageLimit: cfg.Mission.EventPageLimit,
	}, log)

	return s, nil
}

// commit appends an event to the store and publishes it on the bus. A
// publish failure is logged but not returned: the event is durable and
// lagging subscribers recover it via replay.
func (s *Service) commit(ctx context.Context, missionID string, draft models.EventDraft) (*models.StoredEvent, error) {
	event, err := s.store.Append(ctx, missionID, draft)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, events.BuildMissionEventSubject(missionID),
		bus.NewEvent(events.TypeMissionEvent, "mission_service", event)); err != nil {
		s.logger.Error("Failed to publish committed event",
			zap.String("mission_id", missionID),
			zap.Int64("sequence", event.Sequence),
			zap.Error(err))
	}
	return event, nil
}

func (s *Service) publishLifecycle(missionID, state string) {
	eventType := events.TypeMissionRunning
	switch state {
	case "queued":
		eventType = events.TypeMissionQueued
	case "stopped":
		eventType = events.TypeMissionStopped
	}
	if err := s.bus.Publish(context.Background(), events.SubjectMissionLifecycle,
		bus.NewEvent(eventType, "scheduler", events.LifecycleNotification{
			MissionID: missionID,
			Status:    state,
		})); err != nil {
		s.logger.Error("Failed to publish lifecycle notification",
			zap.String("mission_id", missionID), zap.Error(err))
	}
}

// Start launches the stall detector and re-admits missions that were
// active with pending work when the process last stopped.
func (s *Service) Start(ctx context.Context) error {
	active, err := s.registry.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active missions: %w", err)
	}
	for _, m := range active {
		pending, err := s.queue.Len(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("failed to inspect queue for %s: %w", m.ID, err)
		}
		if pending > 0 {
			s.logger.Info("Re-admitting mission with pending messages",
				zap.String("mission_id", m.ID), zap.Int("pending", pending))
			s.scheduler.Start(m.ID)
		}
	}

	if err := s.startToolDispatcher(ctx); err != nil {
		return err
	}

	s.detector.Start()
	return nil
}

// startToolDispatcher connects the configured MCP tool servers. A server
// that cannot be reached is skipped; its tools stay on the API path.
func (s *Service) startToolDispatcher(ctx context.Context) error {
	if len(s.cfg.MCP.ToolServers) == 0 {
		return nil
	}

	var handlers []tools.ToolHandler
	for _, url := range s.cfg.MCP.ToolServers {
		h, err := tools.NewMCPHandler(ctx, url, s.logger)
		if err != nil {
			s.logger.Warn("Skipping unreachable MCP tool server",
				zap.String("url", url), zap.Error(err))
			continue
		}
		handlers = append(handlers, h)
	}
	if len(handlers) == 0 {
		return nil
	}

	s.tools = tools.NewDispatcher(s.bus, s.runtime.Coordinator(), handlers, s.logger)
	if err := s.tools.Start(); err != nil {
		return fmt.Errorf("failed to start tool dispatcher: %w", err)
	}
	return nil
}

// Shutdown quiesces the core: every worker is stopped and its mission
// recorded as interrupted.
func (s *Service) Shutdown(ctx context.Context) {
	s.detector.Stop()
	if s.tools != nil {
		s.tools.Stop()
	}
	stopped := s.scheduler.Shutdown("server shutdown")
	for _, id := range stopped {
		if _, err := s.registry.SetStatus(ctx, id, models.StatusInterrupted, "server shutdown"); err != nil {
			s.logger.Warn("Failed to mark mission interrupted during shutdown",
				zap.String("mission_id", id), zap.Error(err))
		}
	}
}

// CreateMission registers a new mission, enqueues the opening prompt and
// admits the mission to the scheduler.
func (s *Service) CreateMission(ctx context.Context, req *v1.CreateMissionRequest) (*v1.Mission, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, protocolError("mission title is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, protocolError("mission prompt is required")
	}

	params := registry.CreateParams{
		Title:         req.Title,
		Agent:         req.Agent,
		Backend:       req.Backend,
		ModelOverride: req.Model,
		ConfigProfile: req.Profile,
		SharedNetwork: req.SharedNetwork,
		Metadata:      req.Metadata,
	}
	if req.Profile != "" {
		profile, ok := s.profiles.Get(req.Profile)
		if !ok {
			return nil, protocolError("unknown config profile %q", req.Profile)
		}
		if params.Agent == "" {
			params.Agent = profile.Agent
		}
		if params.Backend == "" {
			params.Backend = profile.Backend
		}
		if params.ModelOverride == "" {
			params.ModelOverride = profile.ModelOverride
		}
		if profile.SharedNetwork {
			params.SharedNetwork = true
		}
	}

	mission, err := s.registry.Create(ctx, params)
	if err != nil {
		return nil, classify(err, "failed to create mission")
	}
	if _, err := s.queue.Enqueue(ctx, mission.ID, req.Prompt, params.Agent); err != nil {
		return nil, classify(err, "failed to enqueue mission prompt")
	}
	s.scheduler.Start(mission.ID)

	s.logger.Info("Mission created",
		zap.String("mission_id", mission.ID),
		zap.String("title", mission.Title),
		zap.String("prompt", stringutil.TruncateStringWithEllipsis(req.Prompt, 120)))

	return s.toAPIMission(ctx, mission)
}

// GetMission returns one mission with its last event sequence
func (s *Service) GetMission(ctx context.Context, id string) (*v1.Mission, error) {
	mission, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, classify(err, "failed to get mission")
	}
	return s.toAPIMission(ctx, mission)
}

// ListMissions returns all missions ordered by updated_at descending
func (s *Service) ListMissions(ctx context.Context) ([]*v1.Mission, error) {
	missions, err := s.registry.List(ctx)
	if err != nil {
		return nil, classify(err, "failed to list missions")
	}
	out := make([]*v1.Mission, 0, len(missions))
	for _, m := range missions {
		api, err := s.toAPIMission(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, api)
	}
	return out, nil
}

// RunningSnapshot reports the scheduler's running and queued missions
func (s *Service) RunningSnapshot(ctx context.Context) (*v1.SchedulerSnapshot, error) {
	snapshot, err := s.scheduler.Snapshot(ctx, s.cfg.Mission.StallWarn(), s.cfg.Mission.StallSevere())
	if err != nil {
		return nil, classify(err, "failed to build running snapshot")
	}
	return snapshot, nil
}

// SetStatus applies an externally-requested status transition. A running
// worker is stopped first so that any in-flight tool waits resolve as
// cancelled before the status event lands.
func (s *Service) SetStatus(ctx context.Context, id string, status v1.MissionStatus, reason string) (*v1.Mission, error) {
	target := models.MissionStatus(status)
	switch target {
	case models.StatusCompleted, models.StatusFailed, models.StatusInterrupted,
		models.StatusBlocked, models.StatusNotFeasible:
	case models.StatusActive:
		return nil, protocolError("use resume to return a mission to active")
	default:
		return nil, protocolError("unknown mission status %q", status)
	}

	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, classify(err, "failed to get mission")
	}

	s.scheduler.Stop(id, reason)

	mission, err := s.registry.SetStatus(ctx, id, target, reason)
	if err != nil {
		return nil, classify(err, "failed to set mission status")
	}
	return s.toAPIMission(ctx, mission)
}

// Resume transitions a non-active mission back to active and enqueues a
// turn trigger unless skip_message is set. Resuming an already-active
// mission is a no-op.
func (s *Service) Resume(ctx context.Context, id string, req *v1.ResumeMissionRequest) (*v1.Mission, error) {
	mission, transitioned, err := s.registry.Resume(ctx, id)
	if err != nil {
		return nil, classify(err, "failed to resume mission")
	}

	if transitioned && !req.SkipMessage {
		content := req.Message
		if strings.TrimSpace(content) == "" {
			content = resumeMessage
		}
		if _, err := s.queue.Enqueue(ctx, id, content, mission.Agent); err != nil {
			return nil, classify(err, "failed to enqueue resume message")
		}
	}
	s.scheduler.Start(id)

	return s.toAPIMission(ctx, mission)
}

// Cancel interrupts a mission: the worker stops, outstanding tool waits
// resolve as cancelled (each emitting a synthetic tool_result), and the
// status moves to interrupted. Cancelling a non-active mission is a no-op.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*v1.Mission, error) {
	mission, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, classify(err, "failed to get mission")
	}
	if mission.Status != models.StatusActive {
		return s.toAPIMission(ctx, mission)
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	s.scheduler.Stop(id, reason)

	mission, err = s.registry.SetStatus(ctx, id, models.StatusInterrupted, reason)
	if err != nil {
		return nil, classify(err, "failed to interrupt mission")
	}
	return s.toAPIMission(ctx, mission)
}

// PostMessage appends a user message to the mission's queue. The
// user_message event is emitted when the agent loop dequeues it.
func (s *Service) PostMessage(ctx context.Context, missionID, content, agent string) (*v1.QueuedMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, protocolError("message content is required")
	}
	mission, err := s.registry.Get(ctx, missionID)
	if err != nil {
		return nil, classify(err, "failed to get mission")
	}

	msg, err := s.queue.Enqueue(ctx, missionID, content, agent)
	if err != nil {
		return nil, classify(err, "failed to enqueue message")
	}
	if mission.Status == models.StatusActive {
		s.scheduler.Start(missionID)
	}
	s.logger.Debug("Message queued",
		zap.String("mission_id", missionID),
		zap.String("message_id", msg.ID),
		zap.String("content", stringutil.TruncateStringWithEllipsis(content, 120)))
	return msg.ToAPI(), nil
}

// ListQueue returns pending messages FIFO. Empty missionID lists all.
func (s *Service) ListQueue(ctx context.Context, missionID string) ([]*v1.QueuedMessage, error) {
	messages, err := s.queue.List(ctx, missionID)
	if err != nil {
		return nil, classify(err, "failed to list queue")
	}
	out := make([]*v1.QueuedMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ToAPI())
	}
	return out, nil
}

// RemoveFromQueue deletes a message that has not been dequeued yet
func (s *Service) RemoveFromQueue(ctx context.Context, messageID string) error {
	if err := s.queue.Remove(ctx, messageID); err != nil {
		return classify(err, "failed to remove queued message")
	}
	return nil
}

// ClearQueue removes all pending messages and returns the count
func (s *Service) ClearQueue(ctx context.Context, missionID string) (int, error) {
	cleared, err := s.queue.Clear(ctx, missionID)
	if err != nil {
		return 0, classify(err, "failed to clear queue")
	}
	return cleared, nil
}

// PostToolResult releases the waiter for a tool call. The agent loop
// emits the tool_result event on resolution. A result with no waiter
// (duplicate POST, cancelled, unknown id) returns NotFound and appends
// nothing, preserving the one-result-per-call invariant.
func (s *Service) PostToolResult(ctx context.Context, missionID string, req *v1.ToolResultRequest) error {
	if strings.TrimSpace(req.ToolCallID) == "" {
		return protocolError("tool_call_id is required")
	}
	err := s.runtime.Coordinator().Resolve(req.ToolCallID, toolcall.Result{
		Content:  req.Content,
		IsError:  req.IsError,
		Metadata: req.Metadata,
	})
	if err != nil {
		return classify(err, "failed to resolve tool call")
	}
	return nil
}

// Subscribe opens an event stream session: replay from since_sequence
// when set, then a live tail.
func (s *Service) Subscribe(ctx context.Context, opts subserver.Options) (*subserver.Session, error) {
	if opts.Filter != subserver.FilterAll {
		if _, err := s.registry.Get(ctx, opts.Filter); err != nil {
			return nil, classify(err, "failed to get mission")
		}
	}
	session, err := s.subs.Subscribe(ctx, opts)
	if err != nil {
		return nil, protocolError("invalid subscription: %v", err)
	}
	return session, nil
}

// ReadEvents replays stored events. since_sequence takes precedence over
// offset paging when both are supplied.
func (s *Service) ReadEvents(ctx context.Context, missionID string, req *v1.ListEventsRequest) ([]*v1.MissionEvent, error) {
	if _, err := s.registry.Get(ctx, missionID); err != nil {
		return nil, classify(err, "failed to get mission")
	}

	var stored []*models.StoredEvent
	var err error
	if req.SinceSequence > 0 {
		stored, err = s.store.ReadSince(ctx, missionID, req.SinceSequence, req.Limit)
	} else {
		stored, err = s.store.ReadRange(ctx, missionID, req.Types, req.Limit, req.Offset)
	}
	if err != nil {
		return nil, classify(err, "failed to read events")
	}

	out := make([]*v1.MissionEvent, 0, len(stored))
	for _, e := range stored {
		out = append(out, e.ToAPI())
	}
	return out, nil
}

func (s *Service) toAPIMission(ctx context.Context, mission *models.Mission) (*v1.Mission, error) {
	lastSeq, err := s.store.LastSequence(ctx, mission.ID)
	if err != nil {
		return nil, classify(err, "failed to read last sequence")
	}
	return mission.ToAPI(lastSeq), nil
}
