// Package relay fans frames out across server instances.
//
// A Relay sits in front of the local connection registry. Frames sent
// through it are delivered to local channels first, then published on a
// watermill topic tagged with the instance id. Every instance subscribes to
// the topic and delivers frames from other instances to its own channels.
package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LocalSink is the in-process delivery target, usually the registry.
type LocalSink interface {
	SendToUser(identity string, payload []byte) int
	Broadcast(payload []byte) int
}

// Envelope is the wire form of a relayed frame.
type Envelope struct {
	Identity  string `json:"identity,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`
	Payload   []byte `json:"payload"`
	Origin    string `json:"origin"`
}

type Relay struct {
	local      LocalSink
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	instanceID string

	readyOnce sync.Once
	ready     chan struct{}
}

type Option func(*Relay)

func WithTopic(topic string) Option {
	return func(r *Relay) {
		if topic != "" {
			r.topic = topic
		}
	}
}

// WithInstanceID sets the origin tag. Defaults to a random uuid.
func WithInstanceID(id string) Option {
	return func(r *Relay) {
		if id != "" {
			r.instanceID = id
		}
	}
}

func New(local LocalSink, t Transport, opts ...Option) (*Relay, error) {
	if local == nil {
		return nil, errors.New("relay: local sink is nil")
	}
	if t.Publisher == nil || t.Subscriber == nil {
		return nil, errors.New("relay: transport is incomplete")
	}
	r := &Relay{
		local:      local,
		publisher:  t.Publisher,
		subscriber: t.Subscriber,
		topic:      DefaultTopic,
		instanceID: uuid.NewString(),
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Relay) InstanceID() string { return r.instanceID }

// Ready is closed once Run subscribed to the topic.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// SendToUser delivers locally and publishes the frame for other instances.
// The count covers local deliveries only.
func (r *Relay) SendToUser(identity string, payload []byte) int {
	n := r.local.SendToUser(identity, payload)
	r.publish(Envelope{Identity: identity, Payload: payload, Origin: r.instanceID})
	return n
}

func (r *Relay) Broadcast(payload []byte) int {
	n := r.local.Broadcast(payload)
	r.publish(Envelope{Broadcast: true, Payload: payload, Origin: r.instanceID})
	return n
}

func (r *Relay) publish(env Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("component", "relay").Msg("encode envelope failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if err := r.publisher.Publish(r.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("topic", r.topic).Msg("publish failed, frame delivered locally only")
	}
}

// Run consumes the topic until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	msgs, err := r.subscriber.Subscribe(ctx, r.topic)
	if err != nil {
		return errors.Wrapf(err, "relay: subscribe %s", r.topic)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	log.Info().Str("component", "relay").Str("topic", r.topic).Str("instance", r.instanceID).Msg("relay subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(msg)
			msg.Ack()
		}
	}
}

func (r *Relay) handle(msg *message.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("msg_id", msg.UUID).Msg("dropping malformed envelope")
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	if env.Broadcast {
		r.local.Broadcast(env.Payload)
		return
	}
	if env.Identity != "" {
		r.local.SendToUser(env.Identity, env.Payload)
	}
}

func (r *Relay) Close() error {
	var firstErr error
	if err := r.publisher.Close(); err != nil {
		firstErr = err
	}
	if any(r.subscriber) != any(r.publisher) {
		if err := r.subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
