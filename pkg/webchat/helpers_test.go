package webchat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/provider"
)

// stubChannel records payloads and starts failing after failAfter successful
// sends when failAfter is non-negative.
type stubChannel struct {
	mu        sync.Mutex
	sent      [][]byte
	failAfter int
	closed    bool
}

func newStubChannel() *stubChannel {
	return &stubChannel{failAfter: -1}
}

func failingChannel(after int) *stubChannel {
	return &stubChannel{failAfter: after}
}

func (s *stubChannel) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrChannelClosed
	}
	if s.failAfter >= 0 && len(s.sent) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *stubChannel) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubChannel) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubChannel) frames(t *testing.T) []Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Frame, 0, len(s.sent))
	for _, b := range s.sent {
		var f Frame
		require.NoError(t, json.Unmarshal(b, &f))
		ret = append(ret, f)
	}
	return ret
}

func frameTypes(frames []Frame) []FrameType {
	ret := make([]FrameType, 0, len(frames))
	for _, f := range frames {
		ret = append(ret, f.Type)
	}
	return ret
}

func framesOfType(frames []Frame, types ...FrameType) []Frame {
	var ret []Frame
	for _, f := range frames {
		for _, ty := range types {
			if f.Type == ty {
				ret = append(ret, f)
			}
		}
	}
	return ret
}

// fakeGenerator serves scripted results and streams.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []provider.Request

	result    provider.Result
	genErr    error
	openErr   error
	newStream func() provider.Stream
	title     string
}

func (g *fakeGenerator) record(req provider.Request) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
}

func (g *fakeGenerator) lastRequest() provider.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func (g *fakeGenerator) Generate(_ context.Context, req provider.Request) (provider.Result, error) {
	g.record(req)
	if g.genErr != nil {
		return provider.Result{}, g.genErr
	}
	res := g.result
	if res.Model == "" {
		res.Model = req.Model
	}
	return res, nil
}

func (g *fakeGenerator) GenerateStream(_ context.Context, req provider.Request) (provider.Stream, error) {
	g.record(req)
	if g.openErr != nil {
		return nil, g.openErr
	}
	return g.newStream(), nil
}

func (g *fakeGenerator) GenerateTitle(_ context.Context, _ string) string {
	if g.title == "" {
		return "New Chat"
	}
	return g.title
}

func deltas(texts ...string) []provider.Chunk {
	ret := make([]provider.Chunk, 0, len(texts))
	for _, t := range texts {
		ret = append(ret, provider.Chunk{Kind: provider.ChunkDelta, Delta: t})
	}
	return ret
}

func streamOf(chunks ...provider.Chunk) func() provider.Stream {
	return func() provider.Stream { return provider.NewSliceStream(chunks...) }
}
