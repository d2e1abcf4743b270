// Package channel provides the bidirectional message pipe between one
// human endpoint and a session.
//
// A Channel carries opaque frames; encoding is the protocol package's job.
// Implementations support one concurrent reader and one concurrent writer.
// Close may be called from any goroutine and more than once.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned by Read and Write once the channel is closed by
// either side.
var ErrClosed = errors.New("channel closed")

// Channel is a framed, bidirectional message pipe.
type Channel interface {
	// Read blocks until a frame arrives, the channel closes or ctx ends.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame.
	Write(ctx context.Context, frame []byte) error
	// Close releases the channel. Pending and future reads fail with ErrClosed.
	Close() error
}
