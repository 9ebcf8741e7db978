package main

import (
	"context"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/mission/runtime"
)

// newProvider selects the model capability. Until a real model backend
// is wired through configuration, the loopback provider keeps the server
// fully exercisable end to end.
func newProvider(cfg *config.Config, log *logger.Logger) runtime.ModelProvider {
	return loopbackProvider{}
}

// loopbackProvider echoes the user message back as the assistant reply.
type loopbackProvider struct{}

func (loopbackProvider) StartTurn(ctx context.Context, req runtime.TurnRequest) (<-chan runtime.Chunk, error) {
	ch := make(chan runtime.Chunk, 2)
	ch <- runtime.Chunk{Kind: runtime.ChunkTextDelta, Content: req.UserMessage}
	ch <- runtime.Chunk{
		Kind:       runtime.ChunkComplete,
		Content:    req.UserMessage,
		Success:    true,
		Model:      "loopback",
		CostSource: runtime.CostSourceUnknown,
	}
	close(ch)
	return ch, nil
}
