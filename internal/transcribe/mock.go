package transcribe

import (
	"context"
	"errors"
	"sync"
)

// MockClient returns in-memory streams for testing. Every chunk sent is
// recorded; Script segments are emitted once the stream has received
// EmitAfterChunks chunks. With StallSends set, Send never completes and
// returns only when its context is done, like an engine that stopped
// reading.
type MockClient struct {
	Script          []Segment
	EmitAfterChunks int
	StartErr        error
	StallSends      bool

	mu      sync.Mutex
	streams []*MockStream
}

func (m *MockClient) Start(_ context.Context, opts Options) (Stream, error) {
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	s := &MockStream{
		Opts:      opts,
		script:    append([]Segment(nil), m.Script...),
		emitAfter: m.EmitAfterChunks,
		stall:     m.StallSends,
		segments:  make(chan Segment, len(m.Script)+1),
	}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

// Streams returns every stream opened so far.
func (m *MockClient) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockStream, len(m.streams))
	copy(out, m.streams)
	return out
}

// MockStream records audio and replays a segment script.
type MockStream struct {
	Opts Options

	mu        sync.Mutex
	chunks    [][]byte
	script    []Segment
	emitAfter int
	stall     bool
	stalled   int
	emitted   bool
	closed    bool
	closes    int
	segments  chan Segment
}

func (s *MockStream) Send(ctx context.Context, chunk []byte) error {
	if s.stall {
		s.mu.Lock()
		s.stalled++
		s.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	if !s.emitted && len(s.chunks) >= s.emitAfter {
		s.emitLocked()
	}
	return nil
}

func (s *MockStream) emitLocked() {
	s.emitted = true
	for _, seg := range s.script {
		s.segments <- seg
	}
}

func (s *MockStream) Segments() <-chan Segment {
	return s.segments
}

func (s *MockStream) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closed {
		return errors.New("mock stream closed twice")
	}
	s.closed = true
	close(s.segments)
	return nil
}

// Chunks returns copies of every chunk received.
func (s *MockStream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Stalled reports how many sends were held until their context ended.
func (s *MockStream) Stalled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// Closes reports how many times Close was called.
func (s *MockStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Disabled is used when transcription is turned off: audio is accepted and
// discarded, and no segments are produced.
type Disabled struct{}

func (Disabled) Start(context.Context, Options) (Stream, error) {
	return &discardStream{segments: make(chan Segment)}, nil
}

type discardStream struct {
	once     sync.Once
	segments chan Segment
}

func (d *discardStream) Send(context.Context, []byte) error { return nil }

func (d *discardStream) Segments() <-chan Segment { return d.segments }

func (d *discardStream) Close(context.Context) error {
	d.once.Do(func() { close(d.segments) })
	return nil
}
