/*

Package secret generates the per-response nonces that tie script blocks
to a Content-Security-Policy.

A nonce is only any good if an attacker can't guess it, so these come
straight from crypto/rand, 128 bits at a time, and must never be reused
across responses.

*/
package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// NonceBytes is the number of random bytes in a nonce.
const NonceBytes = 16

// A Generator provides nonces. Reading crypto/rand is cheap but not free,
// and can block on a starved system, so the Generator keeps a buffer of
// them filled ahead of need.
type Generator struct {
	output     chan string
	randReader io.Reader
}

// NewGenerator returns an object from which nonces can be extracted. It
// must be served (by a suture Supervisor, or by calling Serve in a
// goroutine) before it will produce any.
//
// The bufferSize is the number of nonces to pregenerate before any are
// requested.
//
// (Note that the buffering is to improve latency for requests, by getting
// the generation step out of the critical path for a page. Do not expect
// this to increase throughput.)
func NewGenerator(bufferSize int) *Generator {
	if bufferSize == 0 {
		bufferSize = 128
	}

	return &Generator{
		make(chan string, bufferSize),
		rand.Reader,
	}
}

// Serve implements the suture Service interface.
func (g *Generator) Serve(ctx context.Context) error {
	for {
		nonce, err := generate(g.randReader)
		if err != nil {
			// suture will restart us
			return err
		}
		select {
		case g.output <- nonce:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// String names the service in suture's logs.
func (g *Generator) String() string {
	return "flight nonce generator"
}

// Get returns a fresh nonce. Threadsafe.
func (g *Generator) Get() string {
	return <-g.output
}

func generate(r io.Reader) (string, error) {
	b := make([]byte, NonceBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("while making a nonce, couldn't read from PRNG: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Nonce retrieves a new nonce from the cryptographically-random number
// generator, synchronously. This is especially useful for testing.
func Nonce() string {
	nonce, err := generate(rand.Reader)
	if err != nil {
		panic(err)
	}
	return nonce
}

// A Server is anything nonces can be obtained from.
type Server interface {
	Get() string
}

type directServer struct{}

func (ds directServer) Get() string {
	return Nonce()
}

// DirectServer serves nonces out directly, without a Generator.
var DirectServer Server = directServer{}
