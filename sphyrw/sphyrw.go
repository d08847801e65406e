/*

Package sphyrw implements the streaming response writer.

The Writer wraps an http.ResponseWriter for a page that is streamed out
in pieces. Before the first byte goes out it applies the response's
security policy (see package hole) and a default HTML Content-Type, and
it exposes a Flush that reports whether the bytes could actually be
pushed to the client, which is what inject.Multiplexer wants from its
output.

*/
package sphyrw

import (
	"errors"
	"net/http"

	"github.com/thejerf/flight/sphyrw/hole"
)

// ErrFinished is returned when writing to a finished Writer.
var ErrFinished = errors.New("write to a finished response")

// DefaultContentType is set on responses that have not set their own.
const DefaultContentType = "text/html; charset=utf-8"

// A Writer is a streaming http.ResponseWriter.
type Writer struct {
	underlyingWriter http.ResponseWriter
	holes            hole.SecurityHoles
	responseWritten  bool
	finished         bool
}

// NewWriter creates a new Writer from the given ResponseWriter, which
// will apply the given holes to the default-deny policy.
func NewWriter(rw http.ResponseWriter, holes ...hole.SecurityHole) *Writer {
	return &Writer{
		underlyingWriter: rw,
		holes:            holes,
	}
}

// AddHole opens another hole. It has no effect once the response has
// started.
func (w *Writer) AddHole(h hole.SecurityHole) {
	w.holes = append(w.holes, h)
}

func (w *Writer) Header() http.Header {
	return w.underlyingWriter.Header()
}

func (w *Writer) Write(b []byte) (int, error) {
	if w.finished {
		return 0, ErrFinished
	}
	if !w.responseWritten {
		w.writeResponse()
	}
	return w.underlyingWriter.Write(b)
}

func (w *Writer) WriteHeader(code int) {
	if w.finished {
		return
	}
	if !w.responseWritten {
		w.writeResponse()
	}
	w.underlyingWriter.WriteHeader(code)
}

func (w *Writer) writeResponse() {
	header := w.underlyingWriter.Header()
	hole.ApplySecurityHeaders(header, w.holes)
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", DefaultContentType)
	}
	w.responseWritten = true
}

// Flush sends everything written so far to the client, and reports a
// failure to do so.
//
// A ResponseWriter that can't flush at all is not an error; the response
// still arrives, just in larger pieces.
func (w *Writer) Flush() error {
	if !w.responseWritten {
		w.writeResponse()
	}
	err := http.NewResponseController(w.underlyingWriter).Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// Unwrap returns the underlying ResponseWriter, for
// http.ResponseController.
func (w *Writer) Unwrap() http.ResponseWriter {
	return w.underlyingWriter
}

// Finish completes the response. Once Finish is called, writes fail with
// ErrFinished. It is safe to call Finish multiple times, though the latter
// ones will have no effect.
func (w *Writer) Finish() {
	if w.finished {
		return
	}

	if !w.responseWritten {
		w.writeResponse()
	}

	w.finished = true
}
