package webchat

import (
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/provider"
)

type StreamState string

const (
	StateStarted   StreamState = "started"
	StateStreaming StreamState = "streaming"
	StateCompleted StreamState = "completed"
	StateFailed    StreamState = "failed"
)

// FrameSink delivers encoded frames to live channels and reports how many
// accepted them.
type FrameSink interface {
	SendToUser(identity string, payload []byte) int
	Broadcast(payload []byte) int
}

type StreamGenerator interface {
	GenerateStream(ctx context.Context, req provider.Request) (provider.Stream, error)
}

// CancelFlag is polled between chunks. The zero value is not cancelled.
type CancelFlag struct {
	v atomic.Bool
}

func (c *CancelFlag) Cancel() {
	if c != nil {
		c.v.Store(true)
	}
}

func (c *CancelFlag) Cancelled() bool {
	return c != nil && c.v.Load()
}

type StreamRun struct {
	Identity       string
	ConversationID string
	MessageID      string
	Request        provider.Request
	Cancel         *CancelFlag
}

// StreamOutcome is the terminal state of a run. Text is the accumulated
// output, complete only when State is StateCompleted.
type StreamOutcome struct {
	State  StreamState
	Text   string
	Reason provider.Reason
	Usage  chat.Usage
	Err    *UserError
}

// StreamCoordinator drives one provider stream per Run and frames it as
// start, chunk..., then exactly one of end or error, all under the run's
// message id. Frames of one run are emitted from a single goroutine, so each
// channel observes them in order.
type StreamCoordinator struct {
	gen  StreamGenerator
	sink FrameSink
}

func NewStreamCoordinator(gen StreamGenerator, sink FrameSink) *StreamCoordinator {
	return &StreamCoordinator{gen: gen, sink: sink}
}

type streamRunState struct {
	run   StreamRun
	state StreamState
	text  strings.Builder
}

func (sc *StreamCoordinator) emit(rs *streamRunState, f Frame) {
	b, err := f.Marshal()
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("message_id", rs.run.MessageID).Msg("stream coordinator: frame encode failed")
		return
	}
	n := sc.sink.SendToUser(rs.run.Identity, b)
	if n == 0 {
		log.Debug().Str("component", "webchat").Str("user_id", rs.run.Identity).Str("frame", string(f.Type)).Msg("stream coordinator: no live connections")
	}
}

func (sc *StreamCoordinator) fail(rs *streamRunState, err error, reason provider.Reason) StreamOutcome {
	rs.state = StateFailed
	ue := Classify(err)
	log.Warn().
		Err(err).
		Str("component", "webchat").
		Str("conv_id", rs.run.ConversationID).
		Str("message_id", rs.run.MessageID).
		Str("kind", string(ue.Kind)).
		Msg("stream coordinator: stream failed")
	sc.emit(rs, errorFrame(rs.run.ConversationID, rs.run.MessageID, ue))
	return StreamOutcome{State: StateFailed, Text: rs.text.String(), Reason: reason, Err: ue}
}

// Run consumes the stream to its terminal chunk. ctx bounds the provider
// call; disconnecting every channel of the identity does not stop the run.
func (sc *StreamCoordinator) Run(ctx context.Context, run StreamRun) StreamOutcome {
	rs := &streamRunState{run: run, state: StateStarted}
	sc.emit(rs, startFrame(run.ConversationID, run.MessageID))

	if run.Cancel.Cancelled() {
		return sc.fail(rs, ErrCancelled, provider.ReasonNone)
	}
	stream, err := sc.gen.GenerateStream(ctx, run.Request)
	if err != nil {
		return sc.fail(rs, err, provider.ReasonError)
	}
	defer func() { _ = stream.Close() }()

	rs.state = StateStreaming
	for {
		if run.Cancel.Cancelled() {
			return sc.fail(rs, ErrCancelled, provider.ReasonNone)
		}
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sc.fail(rs, err, provider.ReasonError)
		}

		if c.Terminal() && c.Reason == provider.ReasonError {
			cause := c.Err
			if cause == nil {
				cause = errors.New("provider reported an error")
			}
			return sc.fail(rs, cause, provider.ReasonError)
		}
		// Empty deltas carry no text and are not framed.
		if c.Delta != "" {
			rs.text.WriteString(c.Delta)
			sc.emit(rs, chunkFrame(run.ConversationID, run.MessageID, c.Delta))
		}
		if c.Terminal() {
			out := StreamOutcome{State: StateCompleted, Reason: c.Reason}
			if c.Usage != nil {
				out.Usage = *c.Usage
			}
			return sc.complete(rs, out)
		}
	}
	return sc.complete(rs, StreamOutcome{State: StateCompleted, Reason: provider.ReasonStop})
}

func (sc *StreamCoordinator) complete(rs *streamRunState, out StreamOutcome) StreamOutcome {
	rs.state = StateCompleted
	out.Text = rs.text.String()
	sc.emit(rs, endFrame(rs.run.ConversationID, rs.run.MessageID, out.Text))
	log.Debug().
		Str("component", "webchat").
		Str("conv_id", rs.run.ConversationID).
		Str("message_id", rs.run.MessageID).
		Str("reason", string(out.Reason)).
		Int("chars", len(out.Text)).
		Msg("stream coordinator: stream completed")
	return out
}
