package script

import (
	"strings"
	"testing"
)

func TestEscape(t *testing.T) {
	for _, test := range []struct {
		in  string
		out string
	}{
		{`push("</script>")`, `push("</\script>")`},
		{`push("</SCRIPT>")`, `push("</\SCRIPT>")`},
		{`push("</ScRiPt >")`, `push("</\ScRiPt >")`},
		{`push("<!-- hi -->")`, `push("<\!-- hi -->")`},
		{`0</script/`, `0</\script/`},
		{`a</b`, `a</b`},
		{`</style>`, `</style>`},
		{`<!<!---->`, `<!<\!---->`},
		{`</script</script`, `</\script</\script`},
		{``, ``},
	} {
		got := Escape(test.in)
		if got != test.out {
			t.Fatalf("Escape(%q): expected %q, got %q", test.in, test.out, got)
		}
		if Unescape(got) != test.in {
			t.Fatalf("Unescape did not reverse Escape for %q: got %q",
				test.in, Unescape(got))
		}
	}
}

func TestEscapeNeverLeavesClosingSequences(t *testing.T) {
	// try to provoke a replacement into recreating a pattern
	nasty := []string{
		"<!--</script>",
		"</script<!--",
		"<<!--!--",
		"</</script>script>",
		"<\\!--",
		"</\\script",
		"<!<!--",
		"</scr<!--ipt",
	}
	for _, n := range nasty {
		once := Escape(n)
		twice := Escape(once)
		for _, out := range []string{once, twice} {
			lower := strings.ToLower(out)
			if strings.Contains(lower, "</script") || strings.Contains(lower, "<!--") {
				t.Fatalf("Escape(%q) left a closing sequence: %q", n, out)
			}
		}
	}
}

func TestBlock(t *testing.T) {
	b := Block(`(self.__FLIGHT_DATA||=[]).push("a")`, "")
	if b != `<script>(self.__FLIGHT_DATA||=[]).push("a")</script>` {
		t.Fatalf("unexpected block: %s", b)
	}

	b = Block(`(self.__FLIGHT_DATA||=[]).push("</script>")`, "test")
	if b != `<script nonce="test">(self.__FLIGHT_DATA||=[]).push("</\script>")</script>` {
		t.Fatalf("unexpected nonce block: %s", b)
	}

	b = Block("x", `a"b`)
	if !strings.HasPrefix(b, `<script nonce="a&#34;b">`) {
		t.Fatalf("nonce is not attribute-escaped: %s", b)
	}
}
