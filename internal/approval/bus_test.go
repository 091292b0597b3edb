package approval

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex/podex/internal/kv"
	"github.com/podex/podex/pkg/models"
)

func newBus(t *testing.T) *KVBus {
	t.Helper()
	b, err := NewKVBus(context.Background(), kv.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestWaitResolvedApproved(t *testing.T) {
	b := newBus(t)

	var notified atomic.Bool
	b.SetCallback(func(_ context.Context, req *models.ApprovalRequest) {
		notified.Store(true)
		assert.Equal(t, "run_command", req.ToolName)
	})

	req := &models.ApprovalRequest{ID: "ap-1", AgentID: "a-1", ToolName: "run_command"}

	done := make(chan *models.ApprovalResolution, 1)
	go func() {
		res, err := b.Wait(context.Background(), req)
		require.NoError(t, err)
		done <- res
	}()

	// give the waiter time to register
	require.Eventually(t, notified.Load, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Resolve(context.Background(), &models.ApprovalResolution{
		ApprovalID:     "ap-1",
		Approved:       true,
		AddToAllowlist: true,
	}))

	select {
	case res := <-done:
		assert.True(t, res.Approved)
		assert.True(t, res.AddToAllowlist)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestWaitContextCancelled(t *testing.T) {
	b := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Wait(ctx, &models.ApprovalRequest{ID: "ap-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveUnknownIsNoop(t *testing.T) {
	b := newBus(t)
	require.NoError(t, b.Resolve(context.Background(), &models.ApprovalResolution{
		ApprovalID: "never-registered",
		Approved:   true,
	}))
}

func TestDistributedResolution(t *testing.T) {
	// two bus instances sharing one redis: resolution arrives at a
	// different instance than the one waiting
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rs1, err := kv.NewRedisStore(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs1.Close() })
	rs2, err := kv.NewRedisStore(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs2.Close() })

	waiter, err := NewKVBus(ctx, rs1)
	require.NoError(t, err)
	t.Cleanup(func() { waiter.Close() })
	resolver, err := NewKVBus(ctx, rs2)
	require.NoError(t, err)
	t.Cleanup(func() { resolver.Close() })

	done := make(chan *models.ApprovalResolution, 1)
	go func() {
		res, err := waiter.Wait(ctx, &models.ApprovalRequest{ID: "ap-dist"})
		require.NoError(t, err)
		done <- res
	}()

	// the waiter registers asynchronously; retry until delivery lands
	require.Eventually(t, func() bool {
		_ = resolver.Resolve(ctx, &models.ApprovalResolution{ApprovalID: "ap-dist", Approved: true})
		select {
		case res := <-done:
			assert.True(t, res.Approved)
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}
