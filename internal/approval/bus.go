// Package approval coordinates out-of-band user confirmations for gated
// tool calls. Waits are registered per process; resolutions may arrive at a
// different process than the one waiting, so the bus rides the shared kv
// store's pub/sub. Each approval resolves exactly once: late or duplicate
// resolutions are discarded.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/podex/podex/internal/kv"
	"github.com/podex/podex/pkg/models"
)

// Timeout is how long a gated tool call waits before treating the approval
// as denied.
const Timeout = 300 * time.Second

// ErrTimeout marks an approval wait that expired without a decision.
var ErrTimeout = errors.New("approval timed out")

// Callback is invoked when a new approval is registered; the API layer uses
// it to notify the end user over the session's event channel.
type Callback func(ctx context.Context, req *models.ApprovalRequest)

// Bus registers pending approvals and delivers resolutions to waiters.
type Bus interface {
	// Wait registers a pending approval, fires the notification callback,
	// and blocks until resolution, timeout, or context cancellation.
	// Timeout returns a denial resolution together with ErrTimeout.
	Wait(ctx context.Context, req *models.ApprovalRequest) (*models.ApprovalResolution, error)

	// Resolve delivers a decision. Resolving an unknown or already
	// resolved approval is a no-op locally but still published, so the
	// owning process can pick it up.
	Resolve(ctx context.Context, res *models.ApprovalResolution) error

	// SetCallback installs the user-notification hook.
	SetCallback(cb Callback)

	Close() error
}

const resolveTopic = "podex:approvals:resolve"

// KVBus is the production Bus: waits are in-process futures, resolutions
// fan out over kv pub/sub so any replica can resolve them. With the
// in-memory kv store it degrades to a single-process bus, which is the
// local fallback for tests and hosts without pub/sub.
type KVBus struct {
	kv kv.Store

	mu      sync.Mutex
	pending map[string]chan *models.ApprovalResolution
	cb      Callback

	unsub  func()
	closed bool
}

// NewKVBus builds a bus over the shared kv store and starts the resolution
// subscriber.
func NewKVBus(ctx context.Context, store kv.Store) (*KVBus, error) {
	b := &KVBus{
		kv:      store,
		pending: make(map[string]chan *models.ApprovalResolution),
	}

	ch, unsub, err := store.Subscribe(ctx, resolveTopic)
	if err != nil {
		return nil, err
	}
	b.unsub = unsub

	go func() {
		for raw := range ch {
			var res models.ApprovalResolution
			if err := json.Unmarshal(raw, &res); err != nil {
				log.Warn().Err(err).Msg("discarding malformed approval resolution")
				continue
			}
			b.deliver(&res)
		}
	}()
	return b, nil
}

func (b *KVBus) SetCallback(cb Callback) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

// deliver hands a resolution to the local waiter, if any. The channel is
// buffered size 1 and removed on first delivery, which gives exactly-once.
func (b *KVBus) deliver(res *models.ApprovalResolution) {
	b.mu.Lock()
	ch, ok := b.pending[res.ApprovalID]
	if ok {
		delete(b.pending, res.ApprovalID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	ch <- res
}

func (b *KVBus) Wait(ctx context.Context, req *models.ApprovalRequest) (*models.ApprovalResolution, error) {
	ch := make(chan *models.ApprovalResolution, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("approval bus closed")
	}
	b.pending[req.ID] = ch
	cb := b.cb
	b.mu.Unlock()

	if cb != nil {
		cb(ctx, req)
	}

	timer := time.NewTimer(Timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		b.abandon(req.ID)
		log.Info().Str("approval_id", req.ID).Str("tool", req.ToolName).Msg("approval timed out, treating as denial")
		return &models.ApprovalResolution{ApprovalID: req.ID, Approved: false}, ErrTimeout
	case <-ctx.Done():
		b.abandon(req.ID)
		return nil, ctx.Err()
	}
}

func (b *KVBus) abandon(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *KVBus) Resolve(ctx context.Context, res *models.ApprovalResolution) error {
	// Publish first so remote waiters see it; the local subscriber loop
	// delivers to any waiter in this process.
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := b.kv.Publish(ctx, resolveTopic, raw); err != nil {
		// pub/sub down: fall back to local delivery so single-process
		// deployments keep working
		log.Warn().Err(err).Str("approval_id", res.ApprovalID).Msg("approval publish failed, delivering locally")
		b.deliver(res)
	}
	return nil
}

func (b *KVBus) Close() error {
	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]chan *models.ApprovalResolution)
	b.mu.Unlock()

	for id, ch := range pending {
		ch <- &models.ApprovalResolution{ApprovalID: id, Approved: false}
	}
	if b.unsub != nil {
		b.unsub()
	}
	return nil
}
