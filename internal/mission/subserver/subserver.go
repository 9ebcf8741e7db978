// Package subserver serves one subscriber session per client: replay
// from a sequence cursor via the event store, then a live tail of the
// event bus, with transparent catch-up when the subscriber lags.
package subserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/events"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/mission/models"
	"github.com/missionctl/missionctl/internal/mission/store"
)

// FilterAll subscribes to every mission's stream (live only)
const FilterAll = "all"

// lagCheckInterval bounds how long a lagging session waits for catch-up
// when no further live events arrive to trigger it.
const lagCheckInterval = 250 * time.Millisecond

// FrameKind discriminates stream frames
type FrameKind string

const (
	KindEvent     FrameKind = "event"
	KindKeepalive FrameKind = "keepalive"
)

// Frame is one unit of a subscription stream
type Frame struct {
	Kind  FrameKind
	Event *models.StoredEvent
}

// Options describe a subscriber request
type Options struct {
	// Filter is a mission id, or FilterAll for the global stream
	Filter string
	// SinceSequence replays stored events with sequence > SinceSequence
	// before tailing. Nil means live-only. Only valid for a single
	// mission filter.
	SinceSequence *int64
	// Types optionally restricts delivered event types
	Types []string
}

// Config holds the server knobs
type Config struct {
	// Buffer is the per-subscription in-flight buffer (default 256)
	Buffer int
	// Keepalive is the quiet interval before a keepalive frame (default 15s)
	Keepalive time.Duration
	// PageLimit is the store replay page size (default 1000)
	PageLimit int
}

// Server creates subscriber sessions
type Server struct {
	store  *store.Store
	bus    bus.EventBus
	cfg    Config
	logger *logger.Logger
}

// NewServer creates the subscription server
func NewServer(st *store.Store, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Server {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = store.DefaultPageLimit
	}
	return &Server{
		store:  st,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "subscription_server")),
	}
}

// Session is one subscriber's stream. Frames are read from Frames();
// Close frees the subscription. No state is retained after close.
type Session struct {
	id     string
	server *Server
	opts   Options
	types  map[string]bool

	out  chan Frame
	live chan *models.StoredEvent
	sub  bus.Subscription

	lagging atomic.Bool

	mu            sync.Mutex
	lastDelivered map[string]int64

	// recentIDs dedupes events seen from both replay and the live tail
	// during the handoff window
	recentIDs map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Subscribe opens a session. The bus subscription is created before the
// store replay starts so no event committed during replay is missed; the
// handoff dedupes by sequence and event_id.
func (s *Server) Subscribe(ctx context.Context, opts Options) (*Session, error) {
	if opts.Filter == "" {
		return nil, errors.New("subscription filter is required")
	}
	if opts.Filter == FilterAll && opts.SinceSequence != nil {
		return nil, errors.New("since_sequence requires a single mission filter")
	}

	session := &Session{
		id:            uuid.New().String(),
		server:        s,
		opts:          opts,
		out:           make(chan Frame, s.cfg.Buffer),
		live:          make(chan *models.StoredEvent, s.cfg.Buffer),
		lastDelivered: make(map[string]int64),
		recentIDs:     make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	if len(opts.Types) > 0 {
		session.types = make(map[string]bool, len(opts.Types))
		for _, t := range opts.Types {
			session.types[t] = true
		}
	}

	// Live-only sessions start at the current head: earlier events are
	// not replayed and the cursor skips anything already stored.
	if opts.Filter != FilterAll && opts.SinceSequence == nil {
		head, err := s.store.LastSequence(ctx, opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream head: %w", err)
		}
		session.lastDelivered[opts.Filter] = head
	}
	if opts.SinceSequence != nil {
		session.lastDelivered[opts.Filter] = *opts.SinceSequence
	}

	subject := events.SubjectMissionEvents
	if opts.Filter != FilterAll {
		subject = events.BuildMissionEventSubject(opts.Filter)
	}
	sub, err := s.bus.Subscribe(subject, session.onBusEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to bus: %w", err)
	}
	session.sub = sub

	go session.run()

	s.logger.Debug("Subscription opened",
		zap.String("session_id", session.id),
		zap.String("filter", opts.Filter))
	return session, nil
}

// Frames returns the stream channel. It is closed when the session ends.
func (sess *Session) Frames() <-chan Frame {
	return sess.out
}

// Close frees the subscription
func (sess *Session) Close() {
	sess.stopOnce.Do(func() { close(sess.stopCh) })
	<-sess.done
}

// onBusEvent buffers a live event. On overflow the session is marked
// lagging and the event is dropped; the run loop replays the gap from
// the store once the subscriber drains.
func (sess *Session) onBusEvent(ctx context.Context, e *bus.Event) error {
	event, err := parseStoredEvent(e.Data)
	if err != nil {
		return fmt.Errorf("malformed bus event: %w", err)
	}

	select {
	case sess.live <- event:
	default:
		sess.lagging.Store(true)
	}
	return nil
}

func (sess *Session) run() {
	defer close(sess.done)
	defer close(sess.out)
	defer func() { _ = sess.sub.Unsubscribe() }()

	ctx := context.Background()

	// Initial replay when a cursor was requested
	if sess.opts.SinceSequence != nil {
		if !sess.catchUp(ctx, sess.opts.Filter) {
			return
		}
	}

	keepalive := time.NewTimer(sess.server.cfg.Keepalive)
	defer keepalive.Stop()
	lagCheck := time.NewTicker(lagCheckInterval)
	defer lagCheck.Stop()

	for {
		select {
		case <-sess.stopCh:
			return

		case event := <-sess.live:
			if !sess.deliverLive(ctx, event, keepalive) {
				return
			}

		case <-lagCheck.C:
			if sess.lagging.Load() && len(sess.live) == 0 {
				sess.lagging.Store(false)
				if !sess.catchUpAll(ctx) {
					return
				}
			}

		case <-keepalive.C:
			if !sess.send(Frame{Kind: KindKeepalive}) {
				return
			}
			keepalive.Reset(sess.server.cfg.Keepalive)
		}
	}
}

// deliverLive hands a buffered live event to the subscriber, keeping the
// per-mission cursor strictly increasing. A sequence gap means events
// were dropped on overflow; the store fills it before delivery resumes.
func (sess *Session) deliverLive(ctx context.Context, event *models.StoredEvent, keepalive *time.Timer) bool {
	sess.mu.Lock()
	last, seen := sess.lastDelivered[event.MissionID]
	if !seen && sess.opts.Filter == FilterAll {
		// First sight of this mission on the global stream: tail from
		// here rather than replaying its history.
		last = event.Sequence - 1
		sess.lastDelivered[event.MissionID] = last
	}
	_, dup := sess.recentIDs[event.EventID]
	sess.mu.Unlock()

	if event.Sequence <= last || dup {
		return true
	}

	if event.Sequence > last+1 {
		sess.lagging.Store(false)
		if !sess.catchUp(ctx, event.MissionID) {
			return false
		}
		sess.mu.Lock()
		last = sess.lastDelivered[event.MissionID]
		sess.mu.Unlock()
		if event.Sequence <= last {
			return true
		}
	}

	if !sess.deliver(event, keepalive) {
		return false
	}
	return true
}

// deliver sends one event frame (after type filtering) and advances the
// cursor. The cursor advances even for filtered-out events so the
// replay boundary stays correct.
func (sess *Session) deliver(event *models.StoredEvent, keepalive *time.Timer) bool {
	sess.mu.Lock()
	sess.lastDelivered[event.MissionID] = event.Sequence
	sess.mu.Unlock()

	if sess.types != nil && !sess.types[string(event.EventType)] {
		return true
	}

	if !sess.send(Frame{Kind: KindEvent, Event: event}) {
		return false
	}
	if keepalive != nil {
		if !keepalive.Stop() {
			select {
			case <-keepalive.C:
			default:
			}
		}
		keepalive.Reset(sess.server.cfg.Keepalive)
	}
	return true
}

// catchUp replays stored events for one mission from the cursor until
// the store is drained.
func (sess *Session) catchUp(ctx context.Context, missionID string) bool {
	sess.mu.Lock()
	sess.recentIDs = make(map[string]struct{})
	sess.mu.Unlock()

	for {
		sess.mu.Lock()
		last := sess.lastDelivered[missionID]
		sess.mu.Unlock()

		page, err := sess.server.store.ReadSince(ctx, missionID, last, sess.server.cfg.PageLimit)
		if err != nil {
			sess.server.logger.Error("Replay failed",
				zap.String("session_id", sess.id),
				zap.String("mission_id", missionID),
				zap.Error(err))
			return false
		}
		if len(page) == 0 {
			return true
		}

		for _, event := range page {
			sess.mu.Lock()
			sess.recentIDs[event.EventID] = struct{}{}
			sess.mu.Unlock()
			if !sess.deliver(event, nil) {
				return false
			}
		}
		if len(page) < sess.server.cfg.PageLimit {
			return true
		}
	}
}

// catchUpAll replays every mission the session has a cursor for
func (sess *Session) catchUpAll(ctx context.Context) bool {
	sess.mu.Lock()
	ids := make([]string, 0, len(sess.lastDelivered))
	for id := range sess.lastDelivered {
		ids = append(ids, id)
	}
	sess.mu.Unlock()

	for _, id := range ids {
		if !sess.catchUp(ctx, id) {
			return false
		}
	}
	return true
}

// send delivers a frame to the subscriber, giving up on close
func (sess *Session) send(frame Frame) bool {
	select {
	case sess.out <- frame:
		return true
	case <-sess.stopCh:
		return false
	}
}

// parseStoredEvent recovers the stored event from a bus payload. In
// process the payload is the event value itself; over NATS it arrives as
// a decoded JSON object and is re-mapped through the wire schema.
func parseStoredEvent(data interface{}) (*models.StoredEvent, error) {
	switch v := data.(type) {
	case *models.StoredEvent:
		return v, nil
	case models.StoredEvent:
		return &v, nil
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		event := &models.StoredEvent{}
		if err := json.Unmarshal(raw, event); err != nil {
			return nil, err
		}
		return event, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", data)
	}
}
