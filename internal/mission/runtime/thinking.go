package runtime

import (
	"context"
	"strings"

	"github.com/missionctl/missionctl/internal/mission/models"
)

// thoughtTracker applies the delta merging rule for thinking output.
// Deltas are cumulative within one logical thought: each new delta either
// extends the accumulated content or repeats a prefix of it. A delta that
// does neither closes the current thought (a thinking event with
// metadata.done=true carrying the accumulated content) and starts a new
// one. The turn's assistant_message closes the last thought by
// convention, so no trailing done event is emitted.
type thoughtTracker struct {
	current string
	commit  func(ctx context.Context, draft models.EventDraft) error
}

func newThoughtTracker(commit func(ctx context.Context, draft models.EventDraft) error) *thoughtTracker {
	return &thoughtTracker{commit: commit}
}

func (t *thoughtTracker) observe(ctx context.Context, delta string) error {
	switch {
	case t.current == "" || strings.HasPrefix(delta, t.current):
		t.current = delta
	case strings.HasPrefix(t.current, delta):
		// Re-delivery of an earlier prefix; the thought is unchanged
	default:
		if err := t.commit(ctx, models.EventDraft{
			EventType: models.EventThinking,
			Content:   t.current,
			Metadata:  map[string]interface{}{"done": true},
		}); err != nil {
			return err
		}
		t.current = delta
	}

	return t.commit(ctx, models.EventDraft{
		EventType: models.EventThinking,
		Content:   delta,
		Metadata:  map[string]interface{}{"done": false},
	})
}
