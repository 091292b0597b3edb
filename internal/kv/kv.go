// Package kv provides the shared key-value and pub/sub layer used for
// coordination across control-plane processes: token revocation, approval
// resolution, and cross-process event fan-out.
//
// Production uses Redis. The in-memory implementation backs tests and
// single-process deployments; both satisfy the same contract so callers
// never branch on the backend.
package kv

import (
	"context"
	"time"
)

// Store is the coordination contract. TTLs bound memory: revocation entries
// live exactly as long as the token they block.
type Store interface {
	// Get returns the value for key, or ("", false, nil) when absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetTTL stores key=value expiring after ttl. ttl <= 0 means no expiry.
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// AddToSet adds member to the set at key and extends the set's TTL.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error

	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a channel of payloads for topic and a cancel func.
	// The channel is closed after cancel or when ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)

	// Close releases the backend connection.
	Close() error
}
