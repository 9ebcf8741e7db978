package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/mission/models"
	"github.com/missionctl/missionctl/internal/mission/queue"
	"github.com/missionctl/missionctl/internal/mission/registry"
	"github.com/missionctl/missionctl/internal/mission/toolcall"
)

// CommitFunc appends an event to the store and publishes it on the bus.
// The two together form the commit of an event; publish never happens
// before the append returns.
type CommitFunc func(ctx context.Context, missionID string, draft models.EventDraft) (*models.StoredEvent, error)

// HistoryReader supplies the rolling history for model invocations
type HistoryReader interface {
	ReadSince(ctx context.Context, missionID string, sinceSequence int64, limit int) ([]*models.StoredEvent, error)
}

// Config holds the runtime knobs
type Config struct {
	// MaxIterations bounds tool cycles per turn; overrun moves the
	// mission to blocked
	MaxIterations int
	// HistoryLimit caps the events loaded per model invocation
	HistoryLimit int
}

// Runtime creates and owns agent loop workers
type Runtime struct {
	cfg         Config
	logger      *logger.Logger
	queue       *queue.Queue
	registry    *registry.Registry
	coordinator *toolcall.Coordinator
	provider    ModelProvider
	commit      CommitFunc
	history     HistoryReader
}

// New creates the runtime
func New(cfg Config, q *queue.Queue, reg *registry.Registry, coord *toolcall.Coordinator,
	provider ModelProvider, commit CommitFunc, history HistoryReader, log *logger.Logger) *Runtime {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 5000
	}
	return &Runtime{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "agent_loop")),
		queue:       q,
		registry:    reg,
		coordinator: coord,
		provider:    provider,
		commit:      commit,
		history:     history,
	}
}

// Coordinator exposes the tool-call coordinator for the service layer
func (r *Runtime) Coordinator() *toolcall.Coordinator {
	return r.coordinator
}
