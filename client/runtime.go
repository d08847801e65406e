package client

import (
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/thejerf/flight/script"
)

//go:embed flight.js
var runtimeJS string

// Runtime returns the browser side of this package: JavaScript exposing
// the reassembled payload stream as self.flightStream, a ReadableStream
// of Uint8Arrays. global names the page-wide array; empty means
// script.DefaultGlobal.
func Runtime(global string) string {
	if global == "" || global == script.DefaultGlobal {
		return runtimeJS
	}
	quoted, _ := json.Marshal(global)
	return strings.Replace(runtimeJS,
		`const name = "`+script.DefaultGlobal+`";`,
		"const name = "+string(quoted)+";", 1)
}

// RuntimeBlock returns Runtime wrapped in a script element carrying the
// given nonce, ready to be placed in a page.
func RuntimeBlock(global string, nonce string) string {
	return script.Block(Runtime(global), nonce)
}
