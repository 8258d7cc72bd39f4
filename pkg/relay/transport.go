package relay

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

const DefaultTopic = "switchboard.frames"

// Settings selects the pub/sub transport. An empty Group subscribes in
// fan-out mode so every instance sees every frame; a non-empty Group must be
// unique per instance for the same effect.
type Settings struct {
	Backend  Backend
	Topic    string
	Group    string
	Consumer string
}

// Transport is a publisher and subscriber pair sharing one topic space.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

func (t Transport) Close() error {
	var firstErr error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if err := t.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewMemoryTransport returns an in-process transport. Frames reach every
// relay sharing it, which is what single-node deployments and tests need.
func NewMemoryTransport(logger watermill.LoggerAdapter) Transport {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	return Transport{Publisher: ch, Subscriber: ch}
}

// NewRedisTransport builds a Redis Streams transport on client.
func NewRedisTransport(ctx context.Context, client redis.UniversalClient, s Settings, logger watermill.LoggerAdapter) (Transport, error) {
	if client == nil {
		return Transport{}, errors.New("relay: redis client is nil")
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return Transport{}, errors.Wrap(err, "relay: redis publisher")
	}
	if s.Group != "" {
		if err := EnsureGroupAtTail(ctx, client, topicOrDefault(s.Topic), s.Group); err != nil {
			_ = pub.Close()
			return Transport{}, err
		}
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return Transport{}, errors.Wrap(err, "relay: redis subscriber")
	}
	return Transport{Publisher: pub, Subscriber: sub}, nil
}

// NewTransport dispatches on s.Backend. client is only used by the redis
// backend.
func NewTransport(ctx context.Context, s Settings, client redis.UniversalClient, logger watermill.LoggerAdapter) (Transport, error) {
	switch s.Backend {
	case "", BackendMemory:
		return NewMemoryTransport(logger), nil
	case BackendRedis:
		return NewRedisTransport(ctx, client, s, logger)
	default:
		return Transport{}, errors.Errorf("relay: unknown backend %q", s.Backend)
	}
}

// EnsureGroupAtTail creates group on stream at $ so a new group does not
// replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "relay: create group %s on %s", group, stream)
	}
	log.Info().Str("component", "relay").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func topicOrDefault(t string) string {
	if t == "" {
		return DefaultTopic
	}
	return t
}
