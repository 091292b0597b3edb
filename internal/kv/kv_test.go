package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	rs, err := NewRedisStore(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.SetTTL(ctx, "k", "v", 0))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", v)

			require.NoError(t, s.Delete(ctx, "k"))
			_, ok, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreSets(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.AddToSet(ctx, "jtis", "a", time.Minute))
			require.NoError(t, s.AddToSet(ctx, "jtis", "b", time.Minute))

			members, err := s.SetMembers(ctx, "jtis")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, members)
		})
	}
}

func TestStorePubSub(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			ch, unsub, err := s.Subscribe(ctx, "topic")
			require.NoError(t, err)
			defer unsub()

			require.NoError(t, s.Publish(ctx, "topic", []byte("hello")))

			select {
			case msg := <-ch:
				assert.Equal(t, "hello", string(msg))
			case <-time.After(2 * time.Second):
				t.Fatal("no message received")
			}
		})
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetTTL(ctx, "short", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}
