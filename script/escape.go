package script

import (
	"html"
	"regexp"
	"strings"
)

// The content of a script element ends at the first "</script" the HTML
// tokenizer sees, in any case, and "<!--" switches the tokenizer into the
// escaped script states. See
// https://html.spec.whatwg.org/multipage/scripting.html#restrictions-for-contents-of-script-elements
//
// Escaping the "/" in "</script" would turn the valid JS "0</script/"
// (a comparison against a regexp literal) into something else, so the
// backslash goes in front of the tag name instead. Inside string literals,
// which is the only place our statements can contain these sequences,
// "\s" and "\!" are identity escapes.
var (
	closeScript   = regexp.MustCompile(`(?i)</(script)`)
	unCloseScript = regexp.MustCompile(`(?i)</\\(script)`)
)

// Escape makes generated script text safe to place literally between
// <script> and </script>.
//
// "<!--" becomes "<\!--" and "</script", in any case, becomes "</\script"
// with the original case of the tag name retained. A bare "</" is left
// alone. Neither replacement can produce the other's pattern, so the
// result never contains either sequence.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "<!--", `<\!--`)
	return closeScript.ReplaceAllString(s, `</\$1`)
}

// Unescape reverses Escape. It is what a JavaScript engine effectively
// does when it evaluates the identity escapes inside string literals, and
// is used by the Go-side executor in the client package.
func Unescape(s string) string {
	s = strings.ReplaceAll(s, `<\!--`, "<!--")
	return unCloseScript.ReplaceAllString(s, `</$1`)
}

// Block wraps a statement in the embeddable script element. The statement
// is escaped here; callers pass it raw.
//
// If nonce is non-empty the element carries nonce="<nonce>", so the block
// passes a Content-Security-Policy that uses the same nonce.
func Block(statement string, nonce string) string {
	var sb strings.Builder
	sb.Grow(len(statement) + len(nonce) + 32)
	sb.WriteString("<script")
	if nonce != "" {
		sb.WriteString(` nonce="`)
		sb.WriteString(html.EscapeString(nonce))
		sb.WriteString(`"`)
	}
	sb.WriteString(">")
	sb.WriteString(Escape(statement))
	sb.WriteString("</script>")
	return sb.String()
}
