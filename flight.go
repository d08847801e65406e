/*

Package flight provides the default wiring for streaming a payload
alongside the HTML of a page.

A handler built by Flight.Handler gives every response a fresh script
nonce, a default-deny Content-Security-Policy opened only for that
nonce, and an inject.Multiplexer between the page renderer and the
response. The renderer writes the page; the payload is merged into it
as it becomes available; the browser reassembles the payload with the
runtime from the client package.

*/
package flight

import (
	"io"
	"log"
	"net/http"

	"github.com/thejerf/flight/inject"
	"github.com/thejerf/flight/secret"
	"github.com/thejerf/flight/sphyrw"
	"github.com/thejerf/flight/sphyrw/hole"
	"github.com/thejerf/suture/v4"
)

// A Flight holds the services shared by every response.
//
// The embedded Supervisor must be served (Serve or ServeBackground)
// before handlers are used, since it runs the nonce generator.
type Flight struct {
	*suture.Supervisor
	Nonces   secret.Server
	settings inject.Settings
}

// Args overrides the defaults used by New.
type Args struct {
	// Nonces supplies per-response nonces. If nil, a secret.Generator is
	// created. A *secret.Generator is added to the supervisor.
	Nonces secret.Server

	// Settings is the template for every response's Multiplexer. Its
	// Nonce is ignored; each response gets its own.
	Settings *inject.Settings
}

// New brings up a new Flight, with some default parameters that can be
// overridden via the passed-in Args.
func New(args *Args) *Flight {
	supervisor := suture.NewSimple("flight root supervisor")

	if args == nil {
		args = &Args{}
	}
	if args.Nonces == nil {
		args.Nonces = secret.NewGenerator(128)
	}
	if generator, isGenerator := args.Nonces.(*secret.Generator); isGenerator {
		supervisor.Add(generator)
	}

	settings := inject.Settings{}
	if args.Settings != nil {
		settings = *args.Settings
	}
	if settings.Logger == nil {
		settings.Logger = log.Printf
	}

	return &Flight{
		supervisor,
		args.Nonces,
		settings,
	}
}

// A Page renders the visible HTML of a response into w. The nonce is the
// one the response's Content-Security-Policy allows; any script the page
// carries itself, such as client.RuntimeBlock, must use it.
type Page func(w io.Writer, nonce string) error

// A Payload returns the payload stream for a request.
type Payload func(*http.Request) inject.Source

// Handler returns an http.Handler streaming the page with its payload
// merged in.
func (f *Flight) Handler(page Page, payload Payload) http.Handler {
	return &handler{f, page, payload}
}

type handler struct {
	*Flight
	page    Page
	payload Payload
}

func (h *handler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	nonce := h.Nonces.Get()
	w := sphyrw.NewWriter(rw, hole.AllowScriptNonce(nonce))
	defer w.Finish()

	settings := h.settings
	settings.Nonce = nonce
	m := inject.New(req.Context(), w, h.payload(req), &settings)

	var err error
	if renderErr := h.page(m, nonce); renderErr != nil {
		err = m.CloseWithError(renderErr)
	} else {
		err = m.Close()
	}
	if err != nil {
		// the response has already started; all we can do is stop
		// short of the trailer and say so
		settings.Logger("flight: serving %s: %v", req.URL.Path, err)
	}
}
