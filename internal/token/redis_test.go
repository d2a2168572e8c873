package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

func newTestRedisStore(t *testing.T) (*redisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := newRedisStore(config.TokenStore{
		Type:         config.TokenStoreRedis,
		RedisAddress: mr.Addr(),
	}, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStore_PutAndGet(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	tok, err := s.Put(ctx, testBinding(), time.Minute)
	require.NoError(t, err)
	assert.True(t, Valid([]byte(tok)))

	got, err := s.Get(ctx, tok)
	require.NoError(t, err)
	assert.True(t, got.Equal(testBinding()))
}

func TestRedisStore_Get_Unknown(t *testing.T) {
	s, _ := newTestRedisStore(t)

	_, err := s.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, util.ErrUnknownToken)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	tok, err := s.Put(ctx, testBinding(), time.Second)
	require.NoError(t, err)

	_, err = s.Get(ctx, tok)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = s.Get(ctx, tok)
	assert.ErrorIs(t, err, util.ErrUnknownToken)
}

func TestRedisStore_Invalidate(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	tok, err := s.Put(ctx, testBinding(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Invalidate(ctx, tok))
	_, err = s.Get(ctx, tok)
	assert.ErrorIs(t, err, util.ErrUnknownToken)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := newRedisStore(config.TokenStore{
		Type:         config.TokenStoreRedis,
		RedisAddress: mr.Addr(),
		KeyPrefix:    "custom:",
	}, observability.NopLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	tok, err := s.Put(context.Background(), testBinding(), time.Minute)
	require.NoError(t, err)

	assert.True(t, mr.Exists("custom:"+tok))
}

func TestRedisStore_Purge(t *testing.T) {
	s, _ := newTestRedisStore(t)
	n, err := s.Purge(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNew_Redis_ConnectFailure(t *testing.T) {
	_, err := New(config.TokenStore{
		Type:         config.TokenStoreRedis,
		RedisAddress: "127.0.0.1:1",
	}, observability.NopLogger())
	assert.Error(t, err)
}
