package channel

import (
	"context"
	"sync"
)

const pipeBuffer = 16

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// PipeEnd is one end of an in-memory channel.
type PipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected in-memory channel ends. Closing either end
// closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	state := &pipeState{done: make(chan struct{})}
	return &PipeEnd{in: ba, out: ab, state: state},
		&PipeEnd{in: ab, out: ba, state: state}
}

// Read returns the next frame. Frames already delivered are still
// returned after the pipe is closed.
func (p *PipeEnd) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}

	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.done:
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends a frame to the other end.
func (p *PipeEnd) Write(ctx context.Context, frame []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case p.out <- buf:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

// Done is closed when the pipe is closed.
func (p *PipeEnd) Done() <-chan struct{} {
	return p.state.done
}
