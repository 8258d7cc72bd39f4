// Package provider dispatches generation requests to LLM provider families.
//
// A Gateway resolves the public model id through the models catalog, trims
// history with the budgeter, and calls the Family registered for the model.
// Every family streams through the same Chunk protocol, so consumers never
// see provider wire formats.
package provider

import (
	"context"

	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/models"
)

const (
	DefaultTemperature     float32 = 0.7
	DefaultMaxOutputTokens         = 2000

	// ApologyText is the content of a degraded result.
	ApologyText = "I apologize, but I'm experiencing technical difficulties. Please try again in a moment."
)

// Request is one generation invocation. Turns are in chronological order.
// A zero Temperature is sent as greedy sampling; a negative one selects
// DefaultTemperature. MaxOutputTokens <= 0 selects DefaultMaxOutputTokens.
type Request struct {
	Turns           []chat.Turn
	Model           string
	System          string
	Temperature     float32
	MaxOutputTokens int
	Stream          bool
}

type Reason string

const (
	ReasonNone   Reason = ""
	ReasonStop   Reason = "stop"
	ReasonLength Reason = "length"
	ReasonError  Reason = "error"
)

type ChunkKind string

const (
	ChunkDelta    ChunkKind = "delta"
	ChunkTerminal ChunkKind = "terminal"
)

// Chunk is one normalized element of a stream. A terminal chunk may carry a
// final delta, the usage reported by the provider, and for ReasonError the
// error that ended the stream.
type Chunk struct {
	Kind   ChunkKind
	Delta  string
	Reason Reason
	Usage  *chat.Usage
	Err    error
}

func (c Chunk) Terminal() bool {
	return c.Kind == ChunkTerminal
}

// Stream is a finite single-consumer sequence of chunks. Recv returns io.EOF
// once the sequence is exhausted. Close releases the underlying connection and
// may be called at any point.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

type Result struct {
	Text   string
	Reason Reason
	Model  string
	Usage  chat.Usage
	// Degraded marks the apology result returned after retries ran out.
	Degraded bool
}

// Message is one entry of a shaped provider call.
type Message struct {
	Role    chat.Role
	Content string
}

// Call is a request after model resolution and context fitting. Model is the
// provider's own model name. Messages keeps history system turns inline;
// families that take the system prompt as a separate field fold them in.
type Call struct {
	Model           string
	System          string
	Messages        []Message
	Temperature     float32
	MaxOutputTokens int
}

// Family is one provider backend. Implementations must be safe for
// concurrent use.
type Family interface {
	Name() models.Family
	Generate(ctx context.Context, call Call) (Result, error)
	GenerateStream(ctx context.Context, call Call) (Stream, error)
}
