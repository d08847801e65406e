/*

Package script turns payload chunks into the self-executing script
statements that carry them inside an HTML document.

Each statement has the shape

    (self.__FLIGHT_DATA||=[]).push(<value>)

where <value> is either a JSON string literal, when the chunk is valid
UTF-8, or an expression rebuilding a Uint8Array from a base64 literal,
when it is not. Executing the statements in document order appends the
values to a page-wide array, which the client package (or the bundled
JavaScript runtime) turns back into a byte stream.

Text is decoded across chunk boundaries: a multi-byte sequence split
between two chunks is held back by the Encoder and emitted with the
chunk that completes it.

*/
package script

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// DefaultGlobal is the name of the page-wide array the statements push
// onto.
const DefaultGlobal = "__FLIGHT_DATA"

// A Chunk is one piece of the payload stream.
//
// Binary forces the chunk down the base64 path even if it happens to be
// valid UTF-8.
type Chunk struct {
	Data   []byte
	Binary bool
}

// Text returns a Chunk carrying the given string.
func Text(s string) Chunk {
	return Chunk{Data: []byte(s)}
}

// Bytes returns a Chunk that will always be encoded as binary.
func Bytes(b []byte) Chunk {
	return Chunk{Data: b, Binary: true}
}

// decoded is the outcome of one decode attempt. Exactly one of the two
// variants is meaningful: text when fallback is false, raw otherwise.
type decoded struct {
	text     string
	raw      []byte
	fallback bool
}

// An Encoder converts successive chunks of one payload stream into
// statements. It is not safe for concurrent use; one Encoder belongs to
// one stream.
type Encoder struct {
	global  string
	pending []byte
}

// NewEncoder returns an Encoder whose statements push onto
// self.<global>. An empty global means DefaultGlobal.
func NewEncoder(global string) *Encoder {
	if global == "" {
		global = DefaultGlobal
	}
	return &Encoder{global: global}
}

// Encode returns the statement for the given chunk. ok is false when the
// chunk contributes nothing yet, either because it is empty or because
// it only contains the start of a multi-byte sequence.
func (e *Encoder) Encode(c Chunk) (statement string, ok bool) {
	if len(c.Data) == 0 {
		return "", false
	}

	d := e.decode(c)
	if d.fallback {
		return e.pushBinary(d.raw), true
	}
	if d.text == "" {
		return "", false
	}
	return e.pushText(d.text), true
}

// Flush returns the statement for whatever the Encoder is still holding
// at the end of the stream.
//
// Held bytes are always an incomplete UTF-8 sequence, which no amount of
// further input will complete, so they go out as binary rather than being
// replaced with U+FFFD.
func (e *Encoder) Flush() (statement string, ok bool) {
	if len(e.pending) == 0 {
		return "", false
	}
	raw := e.pending
	e.pending = nil
	return e.pushBinary(raw), true
}

// Pending reports how many bytes are being held for the next chunk.
func (e *Encoder) Pending() int {
	return len(e.pending)
}

func (e *Encoder) decode(c Chunk) decoded {
	buf := make([]byte, 0, len(e.pending)+len(c.Data))
	buf = append(buf, e.pending...)
	buf = append(buf, c.Data...)
	e.pending = nil

	if c.Binary {
		return decoded{raw: buf, fallback: true}
	}

	complete, tail, valid := splitUTF8(buf)
	if !valid {
		return decoded{raw: buf, fallback: true}
	}
	if len(tail) > 0 {
		e.pending = append([]byte(nil), tail...)
	}
	return decoded{text: string(complete)}
}

// splitUTF8 splits b into its complete UTF-8 text and a trailing
// incomplete sequence. valid is false if b contains anything that is not
// UTF-8 apart from such a tail.
func splitUTF8(b []byte) (complete, tail []byte, valid bool) {
	for i := 0; i < len(b); {
		if b[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			// FullRune is false only for a proper prefix of a valid
			// encoding, which can only happen at the very end.
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:], true
			}
			return nil, nil, false
		}
		i += size
	}
	return b, nil, true
}

func (e *Encoder) pushText(s string) string {
	return e.push(quote(s))
}

func (e *Encoder) pushBinary(raw []byte) string {
	b64 := base64.StdEncoding.EncodeToString(raw)
	return e.push("Uint8Array.from(atob(" + quote(b64) + "), m => m.codePointAt(0))")
}

func (e *Encoder) push(value string) string {
	return "(self." + e.global + "||=[]).push(" + value + ")"
}

// quote renders s as a JSON string literal. HTML-significant characters
// are left alone; Escape deals with the two sequences that matter.
func quote(s string) string {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	// a string always encodes
	_ = enc.Encode(s)
	return strings.TrimSuffix(sb.String(), "\n")
}
