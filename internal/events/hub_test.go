package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex/podex/internal/kv"
)

func recv(t *testing.T, sub *Subscriber) map[string]any {
	t.Helper()
	select {
	case raw := <-sub.C:
		var ev map[string]any
		require.NoError(t, json.Unmarshal(raw, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestPublishReachesSessionSubscribers(t *testing.T) {
	h := NewHub(nil)
	ctx := context.Background()

	a := h.Subscribe(ctx, "sess-1")
	defer a.Close()
	b := h.Subscribe(ctx, "sess-1")
	defer b.Close()
	other := h.Subscribe(ctx, "sess-2")
	defer other.Close()

	h.Publish(ctx, "sess-1", map[string]any{"type": "agent_status", "agent_id": "a-1"})

	assert.Equal(t, "agent_status", recv(t, a)["type"])
	assert.Equal(t, "agent_status", recv(t, b)["type"])

	select {
	case <-other.C:
		t.Fatal("event leaked to another session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerAgentOrdering(t *testing.T) {
	h := NewHub(nil)
	ctx := context.Background()

	sub := h.Subscribe(ctx, "sess-1")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		h.Publish(ctx, "sess-1", map[string]any{"agent_id": "a-1", "seq": i})
	}
	for i := 0; i < 10; i++ {
		ev := recv(t, sub)
		assert.Equal(t, float64(i), ev["seq"])
	}
}

func TestKVBridgedFanOut(t *testing.T) {
	store := kv.NewMemoryStore()
	h := NewHub(store)
	ctx := context.Background()

	sub := h.Subscribe(ctx, "sess-1")
	defer sub.Close()

	h.Publish(ctx, "sess-1", map[string]any{"type": "workspace_status"})
	assert.Equal(t, "workspace_status", recv(t, sub)["type"])
}

func TestCloseSessionDisconnects(t *testing.T) {
	h := NewHub(nil)
	ctx := context.Background()

	sub := h.Subscribe(ctx, "sess-1")
	h.CloseSession("sess-1")

	_, open := <-sub.C
	assert.False(t, open)
}
