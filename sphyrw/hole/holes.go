/*

Package hole provides support for opening security holes in streamed
HTML responses.

Responses start out default-deny: no content sniffing and no scripts at
all. In order to do things, you must open "holes" in that default deny
policy. A page carrying a payload stream needs exactly one: its script
nonce, so the injected blocks (and nothing an attacker slipped into the
markup) are allowed to run.

*/
package hole

import (
	"net/http"
	"sort"
	"strings"
)

// security tracks the security requests for this response. It defaults
// to total security, and monoidally backs down the security as requests
// come in.
type security struct {
	allowBrowserTypeGuessing bool
	allowInlineScripts       bool
	scriptNonces             map[string]struct{}
}

func (s *security) applyHoles(holes []SecurityHole) {
	for _, hole := range holes {
		hole.applySecurityHole(s)
	}
}

// scriptSources renders the script-src directive.
func (s *security) scriptSources() string {
	if s.allowInlineScripts {
		return "script-src 'unsafe-inline'"
	}
	if len(s.scriptNonces) == 0 {
		return "script-src 'none'"
	}
	nonces := make([]string, 0, len(s.scriptNonces))
	for nonce := range s.scriptNonces {
		nonces = append(nonces, "'nonce-"+nonce+"'")
	}
	// map order would make the header flap between identical responses
	sort.Strings(nonces)
	return "script-src " + strings.Join(nonces, " ")
}

// ApplySecurityHeaders takes the given SecurityHoles and applies the
// correct HTTP headers to implement the given policy.
func ApplySecurityHeaders(headers http.Header, holes SecurityHoles) {
	sec := security{}
	sec.applyHoles(holes)

	if !sec.allowBrowserTypeGuessing {
		headers.Set("X-Content-Type-Options", "nosniff")
	}
	headers.Set("Content-Security-Policy", sec.scriptSources())
}

// A SecurityHole is a request to lower the security on a given
// response. Applying security policy is done by starting with the base
// "default deny" policy and applying all the relevant holes.
type SecurityHole interface {
	applySecurityHole(*security)
}

type allowBrowserTypeGuessing struct{}

func (abtg allowBrowserTypeGuessing) applySecurityHole(s *security) {
	s.allowBrowserTypeGuessing = true
}

// AllowBrowserTypeGuessing returns a SecurityHole that allows browers
// to guess the type of the content coming in.
//
// In HTTP terms, this prevents the emission of
// X-Content-Type-Options: nosniff.
func AllowBrowserTypeGuessing() SecurityHole {
	return allowBrowserTypeGuessing{}
}

type allowScriptNonce string

func (asn allowScriptNonce) applySecurityHole(s *security) {
	if s.scriptNonces == nil {
		s.scriptNonces = map[string]struct{}{}
	}
	s.scriptNonces[string(asn)] = struct{}{}
}

// AllowScriptNonce returns a SecurityHole permitting scripts that carry
// the given nonce. An empty nonce opens nothing.
func AllowScriptNonce(nonce string) SecurityHole {
	if nonce == "" {
		return NoHole()
	}
	return allowScriptNonce(nonce)
}

type allowInlineScripts struct{}

func (ais allowInlineScripts) applySecurityHole(s *security) {
	s.allowInlineScripts = true
}

// AllowInlineScripts returns a SecurityHole permitting every inline
// script, which makes any nonces pointless.
//
// In security terms this is the hole that makes markup injection into
// script execution. Prefer AllowScriptNonce.
func AllowInlineScripts() SecurityHole {
	return allowInlineScripts{}
}

// The NoHole is something that conforms to the SecurityHole
// interface, but does not result in any opening of security when
// applied.
//
// This is useful to create functions that unconditionally return
// something of the type SecurityHole for simplicity, but may sometimes
// choose to return "nothing".
func NoHole() SecurityHole {
	return noHole{}
}

type noHole struct{}

func (nh noHole) applySecurityHole(s *security) {}

// SecurityHoles is simply a slice type of SecurityHole that is augmented
// with the method to turn it into a SecurityHole itself.
type SecurityHoles []SecurityHole

func (sh SecurityHoles) applySecurityHole(s *security) {
	for _, hole := range sh {
		hole.applySecurityHole(s)
	}
}
