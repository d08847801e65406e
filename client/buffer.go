/*

Package client reassembles a payload stream from the script blocks the
inject package places in a page.

In a browser this is done by the JavaScript in Runtime. This package is
the same machinery for Go: a Buffer standing in for the page-wide array,
a Document that executes the blocks of an HTML stream into a Buffer, and
a Stream that turns the Buffer back into bytes.

The Buffer follows the life of the page-wide array. It accumulates
items until the first (and only) interception, which replays what was
accumulated and from then on forwards every push directly.

*/
package client

import (
	"errors"
	"sync"
)

// ErrIntercepted is returned when a Buffer's pushes have already been
// intercepted.
var ErrIntercepted = errors.New("flight: buffer already intercepted")

// An Item is one value pushed by a block: either text or bytes.
type Item struct {
	Text     string
	Binary   []byte
	IsBinary bool
}

// TextItem returns an Item carrying a string.
func TextItem(s string) Item {
	return Item{Text: s}
}

// BinaryItem returns an Item carrying bytes.
func BinaryItem(b []byte) Item {
	return Item{Binary: b, IsBinary: true}
}

// Bytes returns the canonical byte form of the item: UTF-8 for text, the
// bytes themselves for binary.
func (it Item) Bytes() []byte {
	if it.IsBinary {
		return it.Binary
	}
	return []byte(it.Text)
}

// A Buffer is the Go counterpart of the page-wide array the blocks push
// onto. It is safe for concurrent use.
type Buffer struct {
	sync.Mutex
	items   []Item
	forward func(Item)
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

var (
	global     *Buffer
	globalOnce sync.Once
)

// Global returns the process-wide Buffer, creating it on first use.
func Global() *Buffer {
	globalOnce.Do(func() {
		global = NewBuffer()
	})
	return global
}

// Push appends items, or forwards them if the Buffer has been
// intercepted.
func (b *Buffer) Push(items ...Item) {
	b.Lock()
	defer b.Unlock()

	if b.forward != nil {
		for _, it := range items {
			b.forward(it)
		}
		return
	}
	b.items = append(b.items, items...)
}

// Intercept installs fn as the receiver of every item. Items already
// pushed are handed to fn first, in order, before any later push can
// reach it. fn is called with the Buffer locked, so it must not block for
// long and must not push to the same Buffer.
//
// A Buffer can only be intercepted once.
func (b *Buffer) Intercept(fn func(Item)) error {
	b.Lock()
	defer b.Unlock()

	if b.forward != nil {
		return ErrIntercepted
	}
	for _, it := range b.items {
		fn(it)
	}
	b.items = nil
	b.forward = fn
	return nil
}

// Len returns the number of items accumulated and not yet intercepted.
func (b *Buffer) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.items)
}

// Intercepted reports whether Intercept has been called successfully.
func (b *Buffer) Intercepted() bool {
	b.Lock()
	defer b.Unlock()
	return b.forward != nil
}
