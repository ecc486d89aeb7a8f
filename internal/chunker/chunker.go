package chunker

import (
	"context"
	"errors"
)

// Stereo PCM s16le: every sample frame is 2 channels * 2 bytes.
const (
	Channels       = 2
	BytesPerSample = 2
	FrameBytes     = Channels * BytesPerSample
)

var ErrClosed = errors.New("chunker closed")

// BlockSize returns the number of bytes in chunkMs of stereo 16-bit PCM at
// samplingRate, rounded down to whole sample frames (at least one frame).
func BlockSize(samplingRate, chunkMs int) int {
	n := samplingRate * FrameBytes * chunkMs / 1000
	n -= n % FrameBytes
	if n < FrameBytes {
		n = FrameBytes
	}
	return n
}

// Chunker regroups arbitrarily sized audio frames into fixed-size blocks.
// Completed blocks are handed to the consumer through a channel bounded to
// maxBuffered blocks; Write blocks while the channel is full, which is how
// a slow transcription stream pushes back on the socket reader.
//
// A Chunker has a single writer: Write and Close must not be called
// concurrently. Blocks may be read from any goroutine.
type Chunker struct {
	size    int
	buf     []byte
	fill    int
	blocks  chan []byte
	written int64
	closed  bool
}

// New creates a chunker emitting blocks of blockSize bytes.
func New(blockSize, maxBuffered int) *Chunker {
	if maxBuffered < 1 {
		maxBuffered = 1
	}
	return &Chunker{
		size:   blockSize,
		buf:    make([]byte, blockSize),
		blocks: make(chan []byte, maxBuffered),
	}
}

// Write appends data, emitting every block it completes. Data is copied;
// the caller may reuse its slice.
func (c *Chunker) Write(ctx context.Context, data []byte) error {
	if c.closed {
		return ErrClosed
	}
	c.written += int64(len(data))

	for len(data) > 0 {
		n := copy(c.buf[c.fill:], data)
		c.fill += n
		data = data[n:]

		if c.fill == c.size {
			if err := c.emit(ctx, c.buf); err != nil {
				return err
			}
			c.buf = make([]byte, c.size)
			c.fill = 0
		}
	}
	return nil
}

// Close emits the trailing partial block, if any, and closes the block
// channel. Idempotent.
func (c *Chunker) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	defer close(c.blocks)

	if c.fill > 0 {
		tail := c.buf[:c.fill]
		c.buf = nil
		c.fill = 0
		return c.emit(ctx, tail)
	}
	return nil
}

// Blocks returns the channel of completed blocks. It is closed by Close.
func (c *Chunker) Blocks() <-chan []byte {
	return c.blocks
}

// BlockSize returns the configured block size in bytes.
func (c *Chunker) BlockSize() int {
	return c.size
}

// Written returns the total number of bytes accepted by Write.
func (c *Chunker) Written() int64 {
	return c.written
}

func (c *Chunker) emit(ctx context.Context, block []byte) error {
	select {
	case c.blocks <- block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
