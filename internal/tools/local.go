package tools

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/podex/podex/internal/store"
	"github.com/podex/podex/internal/toolexec"
	"github.com/podex/podex/pkg/models"
)

const defaultRecallLimit = 10

// RegisterLocal installs the tools that run in-process: session memory
// and the health probe.
func RegisterLocal(reg *toolexec.Registry, knowledge store.KnowledgeStore) {
	reg.Register("save_memory", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		content := argStr(inv, "content")
		if content == "" {
			return nil, errors.New("content is required")
		}
		snippet := &models.MemorySnippet{
			ID:        uuid.NewString(),
			SessionID: inv.SessionID,
			AgentID:   inv.AgentID,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		if err := knowledge.SaveMemory(ctx, snippet); err != nil {
			return nil, err
		}
		return map[string]any{"id": snippet.ID}, nil
	})

	reg.Register("recall_memory", func(ctx context.Context, inv *toolexec.Invocation) (map[string]any, error) {
		limit := argInt(inv, "limit")
		if limit <= 0 {
			limit = defaultRecallLimit
		}
		snippets, err := knowledge.RecentMemory(ctx, inv.SessionID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"memories": snippets}, nil
	})

	reg.Register("health_check", func(context.Context, *toolexec.Invocation) (map[string]any, error) {
		return map[string]any{"status": "ok"}, nil
	})
}
