package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/thejerf/flight/script"
	"golang.org/x/net/html"
)

// A MalformedBlockError is returned when a script pushes onto the
// page-wide array but its value can not be evaluated.
type MalformedBlockError struct {
	Script string
	Reason string
}

func (mbe *MalformedBlockError) Error() string {
	return fmt.Sprintf("flight: malformed block (%s): %.60q", mbe.Reason, mbe.Script)
}

// A Document executes the blocks of an HTML stream into a Buffer, in
// document order, as a browser would. Scripts that are not blocks are
// ignored.
type Document struct {
	buf    *Buffer
	nonce  string
	global string

	ready     chan struct{}
	readyOnce sync.Once
}

// NewDocument returns a Document executing into buf, or the Global buffer
// if buf is nil.
//
// If nonce is not empty only scripts carrying that nonce are executed,
// which is what a browser enforcing a nonce-based Content-Security-Policy
// does. An empty global means script.DefaultGlobal.
func NewDocument(buf *Buffer, nonce string, global string) *Document {
	if buf == nil {
		buf = Global()
	}
	if global == "" {
		global = script.DefaultGlobal
	}
	return &Document{
		buf:    buf,
		nonce:  nonce,
		global: global,
		ready:  make(chan struct{}),
	}
}

// Ready is closed once Load has returned, the equivalent of the page's
// DOMContentLoaded.
func (d *Document) Ready() <-chan struct{} {
	return d.ready
}

// Buffer returns the Buffer the Document executes into.
func (d *Document) Buffer() *Buffer {
	return d.buf
}

// Load parses r to its end, executing blocks as their closing tags are
// reached. It returns the first malformed block or read error; either way
// the Document is ready afterwards.
func (d *Document) Load(r io.Reader) error {
	defer d.readyOnce.Do(func() { close(d.ready) })

	z := html.NewTokenizer(r)
	inScript := false
	var nonce string
	var text []byte

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return nil
			}
			return z.Err()

		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "script" {
				continue
			}
			inScript = true
			nonce = ""
			text = text[:0]
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "nonce" {
					nonce = string(val)
				}
			}

		case html.TextToken:
			if inScript {
				text = append(text, z.Text()...)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) != "script" || !inScript {
				continue
			}
			inScript = false
			if d.nonce != "" && nonce != d.nonce {
				continue
			}
			if err := d.Execute(string(text)); err != nil {
				return err
			}
		}
	}
}

// Execute runs the content of one script element. Content that does not
// push onto the page-wide array is not a block and is ignored.
func (d *Document) Execute(src string) error {
	item, isBlock, err := evaluate(src, d.global)
	if err != nil || !isBlock {
		return err
	}
	d.buf.Push(item)
	return nil
}

const binaryPrefix = "Uint8Array.from(atob("
const binarySuffix = "), m => m.codePointAt(0))"

// evaluate understands exactly the two statement forms the script
// package produces.
func evaluate(src string, global string) (item Item, isBlock bool, err error) {
	prefix := "(self." + global + "||=[]).push("
	// a JavaScript engine sees the escapes as identity escapes
	stmt := strings.TrimSpace(script.Unescape(src))
	if !strings.HasPrefix(stmt, prefix) {
		return Item{}, false, nil
	}

	malformed := func(reason string) (Item, bool, error) {
		return Item{}, true, &MalformedBlockError{Script: src, Reason: reason}
	}

	stmt = strings.TrimSuffix(stmt, ";")
	if !strings.HasSuffix(stmt, ")") {
		return malformed("unterminated push")
	}
	value := stmt[len(prefix) : len(stmt)-1]

	switch {
	case strings.HasPrefix(value, `"`):
		var s string
		if err := json.Unmarshal([]byte(value), &s); err != nil {
			return malformed("bad string literal")
		}
		return TextItem(s), true, nil

	case strings.HasPrefix(value, binaryPrefix) && strings.HasSuffix(value, binarySuffix):
		var b64 string
		literal := value[len(binaryPrefix) : len(value)-len(binarySuffix)]
		if err := json.Unmarshal([]byte(literal), &b64); err != nil {
			return malformed("bad base64 literal")
		}
		b, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return malformed("bad base64")
		}
		return BinaryItem(b), true, nil
	}

	return malformed("unknown value")
}
