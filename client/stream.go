package client

import (
	"context"
	"io"
	"sync"
)

// A Stream is the reassembled payload stream of one Buffer.
//
// It replays whatever the Buffer accumulated before the Stream existed
// and then receives every later push live. It ends when its ready channel
// fires, which corresponds to the page having finished loading: nothing
// after that point can push anything.
//
// Read and Next must not be called concurrently with each other.
type Stream struct {
	in  chan []byte
	out chan []byte

	finish     chan struct{}
	finishOnce sync.Once
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	current []byte
}

// NewStream intercepts buf and returns the Stream of its items.
//
// When ready fires (or if it already has) the Stream ends once everything
// pushed before then has been read. A nil ready never fires; call Finish.
func NewStream(buf *Buffer, ready <-chan struct{}) (*Stream, error) {
	s := &Stream{
		in:     make(chan []byte),
		out:    make(chan []byte),
		finish: make(chan struct{}),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.serve()

	if err := buf.Intercept(s.push); err != nil {
		_ = s.Close()
		return nil, err
	}

	if ready != nil {
		go func() {
			select {
			case <-ready:
				s.Finish()
			case <-s.done:
			}
		}()
	}
	return s, nil
}

func (s *Stream) push(it Item) {
	b := it.Bytes()
	if len(b) == 0 {
		return
	}
	select {
	case s.in <- b:
	case <-s.done:
	}
}

func (s *Stream) serve() {
	defer close(s.done)
	defer close(s.out)

	var queue [][]byte
	var next []byte
	var sending chan []byte
	finish := s.finish
	finishing := false

	for {
		// The usual idiom of setting an uninteresting channel to nil: we
		// only offer on out when something is queued.
		if len(queue) == 0 {
			if finishing {
				return
			}
			next = nil
			sending = nil
		} else {
			next = queue[0]
			sending = s.out
		}

		select {
		case b := <-s.in:
			// pushes after the end are dropped, as they are on a closed
			// ReadableStream
			if !finishing {
				queue = append(queue, b)
			}
		case sending <- next:
			queue[0] = nil
			queue = queue[1:]
		case <-finish:
			finishing = true
			finish = nil
		case <-s.cancel:
			return
		}
	}
}

// Finish ends the Stream once everything already pushed has been read.
// It is safe to call more than once.
func (s *Stream) Finish() {
	s.finishOnce.Do(func() {
		close(s.finish)
	})
}

// Close abandons the Stream, discarding anything unread. Subsequent
// reads return io.EOF.
func (s *Stream) Close() error {
	s.cancelOnce.Do(func() {
		close(s.cancel)
	})
	<-s.done
	return nil
}

// Done is closed when the Stream has ended, either because it was
// finished and fully read, or because it was closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Next returns the next chunk of the Stream, or io.EOF once it has ended.
// Chunk boundaries carry no meaning.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if len(s.current) > 0 {
		b := s.current
		s.current = nil
		return b, nil
	}
	select {
	case b, ok := <-s.out:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.current) == 0 {
		b, ok := <-s.out
		if !ok {
			return 0, io.EOF
		}
		s.current = b
	}
	n := copy(p, s.current)
	s.current = s.current[n:]
	return n, nil
}
