package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"
	"github.com/thejerf/flight/script"
)

// ***
// TEST SUPPORT CODE
// ***

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func readAll(t *testing.T, s *Stream) []byte {
	t.Helper()
	result := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(s)
		result <- b
	}()
	select {
	case b := <-result:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("Stream never ended")
		return nil
	}
}

func block(statement string) string {
	return script.Block(statement, "")
}

// ***
// TEST CODE
// ***

func TestBufferIntercept(t *testing.T) {
	b := NewBuffer()
	b.Push(TextItem("a"), BinaryItem([]byte{1}))
	if b.Len() != 2 || b.Intercepted() {
		t.Fatal("Buffer did not accumulate")
	}

	seen := []Item{}
	if err := b.Intercept(func(it Item) { seen = append(seen, it) }); err != nil {
		t.Fatalf("Could not intercept: %v", err)
	}
	b.Push(TextItem("b"))

	expected := []Item{TextItem("a"), BinaryItem([]byte{1}), TextItem("b")}
	if diff := deep.Equal(seen, expected); diff != nil {
		spew.Dump(diff)
		t.Fatal("Interception did not replay then forward in order")
	}
	if b.Len() != 0 {
		t.Fatal("Buffer kept items after interception")
	}
	if err := b.Intercept(func(Item) {}); err != ErrIntercepted {
		t.Fatalf("Second interception allowed: %v", err)
	}
}

func TestGlobalBuffer(t *testing.T) {
	if Global() != Global() {
		t.Fatal("Global buffer is not process-wide")
	}
}

func TestStreamReplaysThenForwards(t *testing.T) {
	b := NewBuffer()
	b.Push(TextItem("foo "), BinaryItem([]byte("bar ")))

	ready := make(chan struct{})
	s, err := NewStream(b, ready)
	if err != nil {
		t.Fatalf("Could not create stream: %v", err)
	}
	b.Push(TextItem("€"), TextItem(""), BinaryItem([]byte{0xe2, 0x28, 0xa1}))
	close(ready)

	got := readAll(t, s)
	expected := append([]byte("foo bar €"), 0xe2, 0x28, 0xa1)
	if !bytes.Equal(got, expected) {
		t.Fatalf("Wrong stream contents: %x", got)
	}

	// pushes after the end go nowhere, and do not block
	b.Push(TextItem("late"))
}

func TestStreamAlreadyReady(t *testing.T) {
	b := NewBuffer()
	b.Push(TextItem("x"))
	s, err := NewStream(b, closedChan())
	if err != nil {
		t.Fatalf("Could not create stream: %v", err)
	}
	if got := readAll(t, s); string(got) != "x" {
		t.Fatalf("Stream created after ready lost data: %q", got)
	}
}

func TestStreamSecondInterception(t *testing.T) {
	b := NewBuffer()
	if _, err := NewStream(b, nil); err != nil {
		t.Fatalf("Could not create stream: %v", err)
	}
	if _, err := NewStream(b, nil); err != ErrIntercepted {
		t.Fatalf("Two streams on one buffer: %v", err)
	}
}

func TestStreamNextAndClose(t *testing.T) {
	b := NewBuffer()
	s, _ := NewStream(b, nil)
	b.Push(TextItem("one"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunk, err := s.Next(ctx)
	if err != nil || string(chunk) != "one" {
		t.Fatalf("Next returned %q, %v", chunk, err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if _, err := s.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next did not honor its context: %v", err)
	}

	b.Push(TextItem("discarded"))
	_ = s.Close()
	if _, err := s.Next(ctx); err != io.EOF {
		t.Fatalf("Closed stream should return EOF, got %v", err)
	}
	// the buffer forwards into a closed stream without blocking
	b.Push(TextItem("after close"))
}

func TestDocumentLoad(t *testing.T) {
	page := "<html><head><script>console.log('not a block')</script></head><body>" +
		block(`(self.__FLIGHT_DATA||=[]).push("foo bar")`) +
		"<p>text</p>" +
		block(`(self.__FLIGHT_DATA||=[]).push("</script><!--")`) +
		block(`(self.__FLIGHT_DATA||=[]).push(Uint8Array.from(atob("AQIDBAXiKKE="), m => m.codePointAt(0)))`) +
		"</body></html>"

	b := NewBuffer()
	d := NewDocument(b, "", "")
	if err := d.Load(strings.NewReader(page)); err != nil {
		t.Fatalf("Could not load: %v", err)
	}
	select {
	case <-d.Ready():
	default:
		t.Fatal("Document not ready after loading")
	}

	seen := []Item{}
	_ = b.Intercept(func(it Item) { seen = append(seen, it) })
	expected := []Item{
		TextItem("foo bar"),
		TextItem("</script><!--"),
		BinaryItem([]byte{1, 2, 3, 4, 5, 0xe2, 0x28, 0xa1}),
	}
	if diff := deep.Equal(seen, expected); diff != nil {
		spew.Dump(diff)
		t.Fatal("Document did not execute its blocks")
	}
}

func TestDocumentNonce(t *testing.T) {
	page := script.Block(`(self.__FLIGHT_DATA||=[]).push("yes")`, "test") +
		block(`(self.__FLIGHT_DATA||=[]).push("injected")`) +
		script.Block(`(self.__FLIGHT_DATA||=[]).push("wrong")`, "other")

	b := NewBuffer()
	if err := NewDocument(b, "test", "").Load(strings.NewReader(page)); err != nil {
		t.Fatalf("Could not load: %v", err)
	}
	seen := []Item{}
	_ = b.Intercept(func(it Item) { seen = append(seen, it) })
	if diff := deep.Equal(seen, []Item{TextItem("yes")}); diff != nil {
		spew.Dump(diff)
		t.Fatal("Document executed blocks without the nonce")
	}
}

func TestDocumentMalformed(t *testing.T) {
	for _, src := range []string{
		`(self.__FLIGHT_DATA||=[]).push(1+1)`,
		`(self.__FLIGHT_DATA||=[]).push("unterminated)`,
		`(self.__FLIGHT_DATA||=[]).push(Uint8Array.from(atob("!!"), m => m.codePointAt(0)))`,
		`(self.__FLIGHT_DATA||=[]).push("a"`,
	} {
		err := NewDocument(NewBuffer(), "", "").Load(strings.NewReader(block(src)))
		var mbe *MalformedBlockError
		if !errors.As(err, &mbe) {
			t.Fatalf("Expected a malformed block error for %s, got %v", src, err)
		}
	}
}

func TestDocumentOtherGlobal(t *testing.T) {
	b := NewBuffer()
	d := NewDocument(b, "", "__DATA")
	_ = d.Load(strings.NewReader(
		block(`(self.__DATA||=[]).push("mine")`) +
			block(`(self.__FLIGHT_DATA||=[]).push("not mine")`)))
	if b.Len() != 1 {
		t.Fatalf("Expected one item, have %d", b.Len())
	}
}

func TestStreamFromDocumentWhileLoading(t *testing.T) {
	// a stream attached part way through the page sees everything
	pr, pw := io.Pipe()
	b := NewBuffer()
	d := NewDocument(b, "", "")
	loaded := make(chan error)
	go func() {
		loaded <- d.Load(pr)
	}()

	_, _ = io.WriteString(pw, "<body>"+block(`(self.__FLIGHT_DATA||=[]).push("early ")`))
	s, err := NewStream(b, d.Ready())
	if err != nil {
		t.Fatalf("Could not create stream: %v", err)
	}
	_, _ = io.WriteString(pw, block(`(self.__FLIGHT_DATA||=[]).push("late")`)+"</body>")
	_ = pw.Close()

	if got := readAll(t, s); string(got) != "early late" {
		t.Fatalf("Wrong stream contents: %q", got)
	}
	if err := <-loaded; err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}

func TestRuntime(t *testing.T) {
	if !strings.Contains(Runtime(""), `const name = "__FLIGHT_DATA";`) {
		t.Fatal("Default runtime does not name the default global")
	}
	if !strings.Contains(Runtime("__DATA"), `const name = "__DATA";`) {
		t.Fatal("Runtime global was not substituted")
	}
	rb := RuntimeBlock("", "n")
	if !strings.HasPrefix(rb, `<script nonce="n">`) || strings.Count(rb, "</script>") != 1 {
		t.Fatalf("Runtime block is not a single script element: %.80s", rb)
	}
}
