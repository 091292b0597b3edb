// Package events fans session-scoped events out to WebSocket subscribers.
// Events for one agent are delivered in emission order; ordering across
// agents is not guaranteed. When a shared kv store is attached, events also
// fan out across replicas.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/kv"
)

const topicPrefix = "podex:session:"

// Subscriber receives a session's events. Slow subscribers drop events
// rather than block the emitter.
type Subscriber struct {
	C      chan []byte
	cancel func()
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() { s.cancel() }

// Hub is the in-process event fan-out, optionally bridged over kv pub/sub.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{} // session id → subscribers

	kv kv.Store // nil = single-process

	bridgeMu sync.Mutex
	bridges  map[string]func() // session id → kv unsubscribe
}

// NewHub creates a hub. store may be nil for single-process deployments.
func NewHub(store kv.Store) *Hub {
	return &Hub{
		subs:    make(map[string]map[*Subscriber]struct{}),
		kv:      store,
		bridges: make(map[string]func()),
	}
}

// Publish emits one event on a session's channel. The payload is marshaled
// once and shared by all subscribers.
func (h *Hub) Publish(ctx context.Context, sessionID string, event map[string]any) {
	raw, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping unmarshalable event")
		return
	}

	if h.kv != nil {
		if err := h.kv.Publish(ctx, topicPrefix+sessionID, raw); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("event fan-out publish failed, delivering locally")
			h.deliver(sessionID, raw)
		}
		return
	}
	h.deliver(sessionID, raw)
}

func (h *Hub) deliver(sessionID string, raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.C <- raw:
		default:
			log.Debug().Str("session_id", sessionID).Msg("slow event subscriber, dropping event")
		}
	}
}

// Subscribe attaches a new subscriber to a session's channel.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) *Subscriber {
	sub := &Subscriber{C: make(chan []byte, 64)}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	h.ensureBridge(ctx, sessionID)

	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], sub)
			empty := len(h.subs[sessionID]) == 0
			if empty {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(sub.C)
			if empty {
				h.dropBridge(sessionID)
			}
		})
	}
	return sub
}

// ensureBridge lazily subscribes to the kv topic for a session so events
// published by other replicas reach local subscribers.
func (h *Hub) ensureBridge(ctx context.Context, sessionID string) {
	if h.kv == nil {
		return
	}
	h.bridgeMu.Lock()
	defer h.bridgeMu.Unlock()
	if _, ok := h.bridges[sessionID]; ok {
		return
	}

	ch, unsub, err := h.kv.Subscribe(ctx, topicPrefix+sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("event bridge subscribe failed")
		return
	}
	h.bridges[sessionID] = unsub
	go func() {
		for raw := range ch {
			h.deliver(sessionID, raw)
		}
	}()
}

func (h *Hub) dropBridge(sessionID string) {
	h.bridgeMu.Lock()
	unsub, ok := h.bridges[sessionID]
	if ok {
		delete(h.bridges, sessionID)
	}
	h.bridgeMu.Unlock()
	if ok {
		unsub()
	}
}

// CloseSession disconnects every subscriber of a session; used by cleanup.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs[sessionID]))
	for sub := range h.subs[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
}
