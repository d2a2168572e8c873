package token

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// defaultKeyPrefix namespaces director tokens in a shared Redis.
const defaultKeyPrefix = "avdirector:token:"

// redisStore implements the token cache on Redis. Expiry is native via
// SET EX, so Purge is a no-op. Sharing the store lets several director
// instances honor each other's tokens.
type redisStore struct {
	logger    observability.Logger
	client    *redis.Client
	keyPrefix string
}

// storedBinding is the wire form of a binding in Redis.
type storedBinding struct {
	Host  string         `json:"host"`
	Ports map[string]int `json:"ports"`
}

// newRedisStore creates the Redis-backed store and verifies connectivity.
func newRedisStore(cfg config.TokenStore, logger observability.Logger) (*redisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, util.WrapError(err, "connecting to redis token store")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	logger.Info("redis token store initialized",
		observability.String("address", cfg.RedisAddress))

	return &redisStore{
		logger:    logger,
		client:    client,
		keyPrefix: prefix,
	}, nil
}

// Put mints a token for the binding.
func (s *redisStore) Put(ctx context.Context, b backend.Binding, ttl time.Duration) (string, error) {
	payload, err := json.Marshal(storedBinding{Host: b.Host(), Ports: b.Ports()})
	if err != nil {
		return "", util.WrapError(err, "encoding binding")
	}

	tok := mint()
	if err := s.client.Set(ctx, s.keyPrefix+tok, payload, ttl).Err(); err != nil {
		return "", util.WrapError(err, "storing token")
	}

	s.logger.Debug("token minted",
		observability.String("token", tok[:8]),
		observability.Duration("ttl", ttl))

	return tok, nil
}

// Get returns the binding for a live token.
func (s *redisStore) Get(ctx context.Context, token string) (backend.Binding, error) {
	payload, err := s.client.Get(ctx, s.keyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return backend.Binding{}, util.ErrUnknownToken
		}
		return backend.Binding{}, util.WrapError(err, "reading token")
	}

	var stored storedBinding
	if err := json.Unmarshal(payload, &stored); err != nil {
		return backend.Binding{}, util.WrapError(err, "decoding binding")
	}
	return backend.NewBinding(stored.Host, stored.Ports), nil
}

// Invalidate removes a token.
func (s *redisStore) Invalidate(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.keyPrefix+token).Err()
}

// Purge is a no-op: Redis expires entries natively.
func (s *redisStore) Purge(_ context.Context) (int, error) {
	return 0, nil
}

// Close closes the Redis connection.
func (s *redisStore) Close() error {
	return s.client.Close()
}
