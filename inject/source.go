package inject

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/thejerf/flight/script"
)

// ErrPipeClosed is returned by Pipe.Send once the Pipe has been closed.
var ErrPipeClosed = errors.New("flight: send on closed payload pipe")

// A Source is the payload stream. Next returns the next chunk, or io.EOF
// once the stream has ended normally. Any other error fails the merged
// output.
//
// Next should return promptly when ctx is cancelled; the multiplexer
// cancels it when the response is abandoned.
type Source interface {
	Next(ctx context.Context) (script.Chunk, error)
}

// SourceFunc allows a simple function to serve as a Source.
type SourceFunc func(context.Context) (script.Chunk, error)

// Next calls the function.
func (sf SourceFunc) Next(ctx context.Context) (script.Chunk, error) {
	return sf(ctx)
}

type chunkSource struct {
	chunks []script.Chunk
}

func (cs *chunkSource) Next(ctx context.Context) (script.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return script.Chunk{}, err
	}
	if len(cs.chunks) == 0 {
		return script.Chunk{}, io.EOF
	}
	c := cs.chunks[0]
	cs.chunks = cs.chunks[1:]
	return c, nil
}

// FromChunks returns a Source that yields the given chunks and then ends.
func FromChunks(chunks ...script.Chunk) Source {
	return &chunkSource{chunks}
}

// ReaderChunkSize is the largest chunk FromReader will produce.
const ReaderChunkSize = 32 * 1024

// maxEmptyReads is how many (0, nil) reads in a row FromReader tolerates
// before giving up with io.ErrNoProgress.
const maxEmptyReads = 100

type readerSource struct {
	r   io.Reader
	buf []byte
}

func (rs *readerSource) Next(ctx context.Context) (script.Chunk, error) {
	for i := 0; i < maxEmptyReads; i++ {
		if err := ctx.Err(); err != nil {
			return script.Chunk{}, err
		}
		n, err := rs.r.Read(rs.buf)
		if n > 0 {
			// the chunk outlives this buffer
			return script.Chunk{Data: append([]byte(nil), rs.buf[:n]...)}, nil
		}
		if err != nil {
			return script.Chunk{}, err
		}
	}
	return script.Chunk{}, io.ErrNoProgress
}

// FromReader returns a Source reading text chunks from r. Chunks that
// turn out not to be UTF-8 are still carried faithfully as binary.
//
// A blocked Read can not be interrupted by cancellation; if that matters,
// use a reader that can be closed, or a Pipe.
func FromReader(r io.Reader) Source {
	return &readerSource{r, make([]byte, ReaderChunkSize)}
}

// A Pipe is a Source fed by a producer goroutine.
//
// Send blocks until the multiplexer takes the chunk, which gives the
// producer natural backpressure. Close ends the stream normally;
// CloseWithError fails it.
type Pipe struct {
	chunks chan script.Chunk
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewPipe returns a new, open Pipe.
func NewPipe() *Pipe {
	return &Pipe{
		chunks: make(chan script.Chunk),
		done:   make(chan struct{}),
	}
}

// Send hands a chunk to the consumer.
func (p *Pipe) Send(ctx context.Context, c script.Chunk) error {
	select {
	case <-p.done:
		return ErrPipeClosed
	default:
	}

	select {
	case p.chunks <- c:
		return nil
	case <-p.done:
		return ErrPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText is a convenience for Send(ctx, script.Text(s)).
func (p *Pipe) SendText(ctx context.Context, s string) error {
	return p.Send(ctx, script.Text(s))
}

// Close ends the stream normally. It is safe to call more than once;
// only the first Close or CloseWithError has any effect.
func (p *Pipe) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError ends the stream with the given error. A nil error is the
// same as Close.
func (p *Pipe) CloseWithError(err error) error {
	p.once.Do(func() {
		if err == nil {
			err = io.EOF
		}
		p.err = err
		close(p.done)
	})
	return nil
}

// Next implements Source.
func (p *Pipe) Next(ctx context.Context) (script.Chunk, error) {
	select {
	case c := <-p.chunks:
		return c, nil
	case <-p.done:
		return script.Chunk{}, p.err
	case <-ctx.Done():
		return script.Chunk{}, ctx.Err()
	}
}
