// Package token provides the token cache: opaque single-string credentials
// bound to a backend binding for a bounded TTL. A token stays usable until
// its TTL elapses; lookups of expired tokens are indistinguishable from
// lookups of tokens that never existed.
package token

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// Length is the size of a token's canonical textual form: a UUID rendered
// as 36 bytes. The UDP control path relies on this to slice tokens out of
// control packets.
const Length = 36

// Store is the token cache interface. Implementations must be safe for
// concurrent use from every control- and data-plane task.
type Store interface {
	// Put mints a fresh token bound to the binding for the given TTL.
	Put(ctx context.Context, b backend.Binding, ttl time.Duration) (string, error)

	// Get returns the binding for a live token. Expired and unknown
	// tokens both return ErrUnknownToken.
	Get(ctx context.Context, token string) (backend.Binding, error)

	// Invalidate removes a token before its TTL elapses.
	Invalidate(ctx context.Context, token string) error

	// Purge removes expired entries and reports how many were dropped.
	// Backends with native expiry may report zero.
	Purge(ctx context.Context) (int, error)

	// Close releases the store's resources.
	Close() error
}

// mint produces a new token in canonical form.
func mint() string {
	return uuid.NewString()
}

// Valid reports whether a byte slice has the shape of a token. Control
// packets whose suffix fails this check are dropped, never forwarded.
func Valid(raw []byte) bool {
	if len(raw) != Length {
		return false
	}
	_, err := uuid.Parse(string(raw))
	return err == nil
}

// New creates a token store from configuration.
func New(cfg config.TokenStore, logger observability.Logger) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	switch cfg.Type {
	case config.TokenStoreMemory, "":
		return newMemoryStore(cfg, logger), nil
	case config.TokenStoreRedis:
		return newRedisStore(cfg, logger)
	default:
		return nil, util.NewConfigError("tokenStore.type", "unknown store "+cfg.Type)
	}
}
