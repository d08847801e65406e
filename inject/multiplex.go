/*

Package inject multiplexes a payload stream into a streaming HTML
response.

A Multiplexer sits between an HTML renderer and the response. The
renderer writes HTML into it as usual; the Multiplexer passes that HTML
through to the output while, concurrently, draining a payload Source
and writing each payload chunk into the same output as an inline script
block (see package script). A browser parsing the page incrementally
executes the blocks as they arrive, and the client runtime turns them
back into a byte stream.

Three rules keep the output valid:

HTML is passed through in coalesced units, one per scheduling tick, and
a block is only ever written between two units, never inside one. A
unit is what was queued when the tick started, plus whatever else can
be taken without waiting (or within Settings.Coalesce, if set). Any
incomplete UTF-8 sequence at the end of a unit is held for the next
unit, so a block never splits a character.

The document trailer ("</body></html>" by default) is stripped if the
HTML ends with it, give or take trailing whitespace, and is written
exactly once, after the HTML has ended and the payload stream has been
completely drained. The whitespace follows it.

Exactly one goroutine writes to the output.

*/
package inject

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/thejerf/abtime"
	"github.com/thejerf/flight/script"
	"go.uber.org/multierr"
)

// DefaultTrailer is the closing-document marker used when the Settings do
// not name one.
const DefaultTrailer = "</body></html>"

// CoalesceTimerID is the abtime ID used for the coalescing timer, for
// the benefit of tests driving a ManualTime.
const CoalesceTimerID = 1

// htmlQueue is how many HTML writes can be queued ahead of the
// multiplexer before Write blocks.
const htmlQueue = 64

// ErrClosed is returned when writing HTML to a Multiplexer whose HTML
// stream has already been closed.
var ErrClosed = errors.New("flight: write to closed multiplexer")

// Flusher is implemented by outputs that can push buffered bytes to the
// client, and can fail doing so. http.Flusher is also recognized.
type Flusher interface {
	Flush() error
}

// Settings configures a Multiplexer. A nil *Settings, or any zero field,
// takes the default.
type Settings struct {
	// Nonce is put on every script block, to match a
	// Content-Security-Policy nonce. Empty means no nonce attribute.
	Nonce string

	// Global is the name of the page-wide array the blocks push onto.
	// Defaults to script.DefaultGlobal.
	Global string

	// Trailer is the closing-document marker. Defaults to DefaultTrailer.
	Trailer string

	// Coalesce, if positive, extends each scheduling tick by this long
	// so that HTML written in quick succession goes out as one unit.
	Coalesce time.Duration

	abtime.AbstractTime

	// A log.Printf-like function for logging. If nil, will use log.Printf.
	Logger func(string, ...interface{})
}

// A Multiplexer is the io.WriteCloser the HTML renderer writes into.
//
// The HTML side is not safe for concurrent use: one renderer writes, then
// calls Close or CloseWithError exactly as it would on any writer.
type Multiplexer struct {
	out      io.Writer
	payload  Source
	settings Settings
	ctx      context.Context
	cancel   context.CancelFunc

	// guards the closing of html, so a Write never races it
	mu      sync.Mutex
	ended   bool
	htmlErr error
	html    chan []byte

	done chan struct{}
	err  error

	// everything below belongs to the serve goroutine
	unit      []byte
	carry     []byte
	tail      []byte
	started   bool
	fragments chan string
	drained   chan error
}

// New returns a running Multiplexer writing merged output to out.
//
// The payload Source is not touched until the first HTML has been
// flushed (or the HTML ends without any). Cancelling ctx abandons the
// whole response.
func New(ctx context.Context, out io.Writer, payload Source, settings *Settings) *Multiplexer {
	s := Settings{}
	if settings != nil {
		s = *settings
	}
	if s.Global == "" {
		s.Global = script.DefaultGlobal
	}
	if s.Trailer == "" {
		s.Trailer = DefaultTrailer
	}
	if s.AbstractTime == nil {
		s.AbstractTime = abtime.NewRealTime()
	}
	if s.Logger == nil {
		s.Logger = log.Printf
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Multiplexer{
		out:      out,
		payload:  payload,
		settings: s,
		ctx:      ctx,
		cancel:   cancel,
		html:     make(chan []byte, htmlQueue),
		done:     make(chan struct{}),
	}
	go m.serve()
	return m
}

// Write queues a chunk of HTML. The bytes are copied.
func (m *Multiplexer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), p...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return 0, ErrClosed
	}

	// a failed multiplexer must not look writable just because the
	// queue has room
	select {
	case <-m.done:
		return 0, m.terminal()
	default:
	}

	select {
	case m.html <- chunk:
		return len(p), nil
	case <-m.done:
		return 0, m.terminal()
	}
}

func (m *Multiplexer) terminal() error {
	if m.err != nil {
		return m.err
	}
	return ErrClosed
}

// Close signals the normal end of the HTML, then waits for the merged
// output to be completed and returns its terminal error.
func (m *Multiplexer) Close() error {
	return m.CloseWithError(nil)
}

// CloseWithError signals that the HTML has failed with the given error
// (a nil error is the same as Close), then waits for the merged output to
// finish.
//
// If the output had already failed for some other reason, such as the
// payload stream failing, both errors are returned, combined.
func (m *Multiplexer) CloseWithError(err error) error {
	m.mu.Lock()
	if !m.ended {
		m.ended = true
		m.htmlErr = err
		close(m.html)
	}
	m.mu.Unlock()

	<-m.done
	if err != nil && !errors.Is(m.err, err) {
		return multierr.Append(m.err, err)
	}
	return m.err
}

// Done is closed once the merged output is complete or has failed.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal error of the merged output. It is only
// meaningful once Done is closed.
func (m *Multiplexer) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

func (m *Multiplexer) serve() {
	defer close(m.done)
	defer m.cancel()

	html := m.html
	htmlDone := false
	drainDone := false
	var err error

	for err == nil && !(htmlDone && drainDone) {
		select {
		case chunk, open := <-html:
			if open {
				open = m.gather(chunk)
				err = m.flushHTML(false)
				m.startDrain()
			}
			if !open && err == nil {
				html = nil
				htmlDone = true
				m.mu.Lock()
				err = m.htmlErr
				m.mu.Unlock()
				// a document with no HTML at all still carries its payload
				if err == nil {
					m.startDrain()
				} else if flushErr := m.flushHTML(true); flushErr != nil {
					err = multierr.Append(err, flushErr)
				}
			}

		case statement := <-m.fragments:
			err = m.write([]byte(script.Block(statement, m.settings.Nonce)))

		case drainErr := <-m.drained:
			drainDone = true
			if drainErr != nil {
				err = fmt.Errorf("flight: payload stream: %w", drainErr)
				// HTML already received still goes out, including
				// writes still queued; only the trailer is withheld.
				m.takeQueued()
				if flushErr := m.flushHTML(true); flushErr != nil {
					err = multierr.Append(err, flushErr)
				}
			}

		case <-m.ctx.Done():
			err = m.ctx.Err()
		}
	}

	if err == nil {
		err = m.flushHTML(true)
	}
	if err == nil {
		err = m.write(append([]byte(m.settings.Trailer), m.tail...))
	}
	if err != nil {
		m.settings.Logger("flight: merged output failed: %v", err)
		m.err = err
	}
}

// gather collects one scheduling tick's worth of HTML, starting with
// first. It returns false if the HTML channel turned out to be closed.
func (m *Multiplexer) gather(first []byte) bool {
	m.unit = append(m.unit, first...)

	if m.settings.Coalesce > 0 {
		timer := m.settings.After(m.settings.Coalesce, CoalesceTimerID)
	WAIT:
		for {
			select {
			case chunk, open := <-m.html:
				if !open {
					return false
				}
				m.unit = append(m.unit, chunk...)
			case <-timer:
				break WAIT
			case <-m.ctx.Done():
				return true
			}
		}
	}

	// let a writer that is mid-burst queue the rest of the burst
	runtime.Gosched()

	return m.takeQueued()
}

// takeQueued appends every HTML write already queued to the unit,
// without waiting. It returns false if the HTML channel is closed.
func (m *Multiplexer) takeQueued() bool {
	for {
		select {
		case chunk, open := <-m.html:
			if !open {
				return false
			}
			m.unit = append(m.unit, chunk...)
		default:
			return true
		}
	}
}

// flushHTML writes the coalesced unit. Unless final, anything at its end
// that may yet turn out to be the trailer, or an incomplete UTF-8
// sequence, is carried into the next unit.
func (m *Multiplexer) flushHTML(final bool) error {
	buf := append(m.carry, m.unit...)
	m.carry = nil
	m.unit = nil

	if !final {
		split := incompleteTail(buf[:trailerStart(buf, m.settings.Trailer)])
		if split < len(buf) {
			m.carry = append([]byte(nil), buf[split:]...)
			buf = buf[:split]
		}
	}

	if final {
		buf, m.tail = trimTrailer(buf, m.settings.Trailer)
	}
	if len(buf) == 0 {
		return nil
	}
	return m.write(buf)
}

// trailerStart returns the index where b may end in the trailer: the
// trailer followed only by whitespace, or the longest suffix of b that is
// a prefix of the trailer. It returns len(b) if there is no such suffix.
func trailerStart(b []byte, trailer string) int {
	if body, tail := trimTrailer(b, trailer); tail != nil {
		return len(body)
	}

	n := len(trailer)
	if n > len(b) {
		n = len(b)
	}
	for ; n > 0; n-- {
		if bytes.HasSuffix(b, []byte(trailer[:n])) {
			return len(b) - n
		}
	}
	return len(b)
}

// trimTrailer strips the trailer, and any whitespace after it, from the
// end of b. tail is that whitespace (non-nil even when empty) if the
// trailer was found, and nil otherwise.
func trimTrailer(b []byte, trailer string) (body []byte, tail []byte) {
	trimmed := bytes.TrimRight(b, " \t\r\n\f")
	if !bytes.HasSuffix(trimmed, []byte(trailer)) {
		return b, nil
	}
	return trimmed[:len(trimmed)-len(trailer)], append([]byte{}, b[len(trimmed):]...)
}

// incompleteTail returns the index at which a trailing incomplete UTF-8
// sequence begins, or len(b) if there is none.
func incompleteTail(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func (m *Multiplexer) write(b []byte) error {
	if _, err := m.out.Write(b); err != nil {
		return fmt.Errorf("flight: writing merged output: %w", err)
	}
	switch f := m.out.(type) {
	case Flusher:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flight: flushing merged output: %w", err)
		}
	case http.Flusher:
		f.Flush()
	}
	return nil
}

func (m *Multiplexer) startDrain() {
	if m.started {
		return
	}
	m.started = true
	m.fragments = make(chan string)
	m.drained = make(chan error, 1)
	go m.drain(m.fragments, m.drained)
}

// drain runs in its own goroutine, encoding the payload stream and
// handing statements to serve. Its result is always delivered on drained,
// which is buffered, so it never outlives a serve that has gone away.
func (m *Multiplexer) drain(fragments chan<- string, drained chan<- error) {
	enc := script.NewEncoder(m.settings.Global)

	send := func(statement string) error {
		select {
		case fragments <- statement:
			return nil
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	}

	for {
		c, err := m.payload.Next(m.ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			drained <- err
			return
		}
		if statement, ok := enc.Encode(c); ok {
			if err := send(statement); err != nil {
				drained <- err
				return
			}
		}
	}

	if statement, ok := enc.Flush(); ok {
		if err := send(statement); err != nil {
			drained <- err
			return
		}
	}
	drained <- nil
}

// Inject copies the HTML in r through a new Multiplexer to out, merging
// in payload, and returns once the merged output is complete.
//
// A read error from r is treated as an HTML failure.
func Inject(ctx context.Context, out io.Writer, r io.Reader, payload Source, settings *Settings) error {
	m := New(ctx, out, payload, settings)
	buf := make([]byte, ReaderChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := m.Write(buf[:n]); werr != nil {
				return m.CloseWithError(werr)
			}
		}
		if err == io.EOF {
			return m.Close()
		}
		if err != nil {
			return m.CloseWithError(err)
		}
	}
}
