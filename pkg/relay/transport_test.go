package relay

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEnsureGroupAtTailIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	require.NoError(t, EnsureGroupAtTail(ctx, client, DefaultTopic, "instance-a"))
	require.NoError(t, EnsureGroupAtTail(ctx, client, DefaultTopic, "instance-a"))

	groups, err := client.XInfoGroups(ctx, DefaultTopic).Result()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "instance-a", groups[0].Name)
}

func TestNewTransportDefaultsToMemory(t *testing.T) {
	tr, err := NewTransport(context.Background(), Settings{}, nil, NewWatermillLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NotNil(t, tr.Publisher)
	require.NotNil(t, tr.Subscriber)
	require.NoError(t, tr.Close())
}

func TestNewRedisTransportRequiresClient(t *testing.T) {
	_, err := NewTransport(context.Background(), Settings{Backend: BackendRedis}, nil, NewWatermillLogger(zerolog.Nop()))
	require.ErrorContains(t, err, "redis client is nil")
}
