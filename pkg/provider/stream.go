package provider

import (
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// terminalGuard normalizes a family stream so that exactly one terminal chunk
// is delivered. A family error becomes a terminal chunk with ReasonError, and
// a family that ends without a stop indicator is closed with ReasonStop.
type terminalGuard struct {
	src   Stream
	model string

	mu   sync.Mutex
	done bool
}

func newTerminalGuard(src Stream, model string) *terminalGuard {
	return &terminalGuard{src: src, model: model}
}

func (g *terminalGuard) Recv() (Chunk, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return Chunk{}, io.EOF
	}

	c, err := g.src.Recv()
	switch {
	case err == io.EOF:
		g.done = true
		return Chunk{Kind: ChunkTerminal, Reason: ReasonStop}, nil
	case err != nil:
		g.done = true
		log.Warn().Err(err).Str("component", "provider").Str("model", g.model).Msg("stream failed")
		return Chunk{Kind: ChunkTerminal, Reason: ReasonError, Err: err}, nil
	}

	if c.Kind == ChunkTerminal {
		g.done = true
		if c.Reason == ReasonNone {
			c.Reason = ReasonStop
		}
	}
	if c.Kind == "" {
		c.Kind = ChunkDelta
	}
	return c, nil
}

func (g *terminalGuard) Close() error {
	return g.src.Close()
}

// SliceStream replays a fixed list of chunks, then reports Err if set or
// io.EOF otherwise.
type SliceStream struct {
	Chunks []Chunk
	Err    error

	mu     sync.Mutex
	pos    int
	closed bool
}

func NewSliceStream(chunks ...Chunk) *SliceStream {
	return &SliceStream{Chunks: chunks}
}

func (s *SliceStream) Recv() (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chunk{}, io.EOF
	}
	if s.pos < len(s.Chunks) {
		c := s.Chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.Err != nil {
		return Chunk{}, s.Err
	}
	return Chunk{}, io.EOF
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func degradedStream() Stream {
	return NewSliceStream(Chunk{
		Kind:   ChunkTerminal,
		Delta:  ApologyText,
		Reason: ReasonError,
		Err:    ErrProviderUnavailable,
	})
}
