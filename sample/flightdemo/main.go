// flightdemo serves a page whose payload, a line of text per tick, is
// streamed into the page while it is still loading.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/template"
	"github.com/thejerf/abtime"
	"github.com/thejerf/flight"
	"github.com/thejerf/flight/client"
	"github.com/thejerf/flight/inject"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

var bind = flag.String("bind", ":10020", "bind specification for the server")
var interval = flag.Duration("interval", time.Second, "time between payload chunks")
var ticks = flag.Int("ticks", 10, "number of payload chunks per page")
var coalesce = flag.Duration("coalesce", 0, "how long to coalesce HTML writes")

const tickTimerID = 1

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html><head><title>{{.Title | html}}</title>
{{.Runtime}}
</head><body>
<h1>{{.Title | html}}</h1>
<pre id="out"></pre>
<script nonce="{{.Nonce | html}}">
(async () => {
  const out = document.getElementById("out");
  const decoder = new TextDecoder();
  const reader = self.flightStream.getReader();
  for (;;) {
    const {done, value} = await reader.read();
    if (done) break;
    out.textContent += decoder.decode(value, {stream: true});
  }
  out.textContent += decoder.decode();
})();
</script>
</body></html>`))

type pageData struct {
	Title   string
	Nonce   string
	Runtime string
}

func render(w io.Writer, nonce string) error {
	// rendered whole so the payload never lands inside the page's own
	// script elements
	var buf bytes.Buffer
	err := page.Execute(&buf, pageData{
		Title:   "flight demo",
		Nonce:   nonce,
		Runtime: client.RuntimeBlock("", nonce),
	})
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// ticker feeds the pipe one line per interval, then closes it.
func ticker(ctx context.Context, clock abtime.AbstractTime, p *inject.Pipe) {
	for i := 1; i <= *ticks; i++ {
		select {
		case <-clock.After(*interval, tickTimerID):
		case <-ctx.Done():
			_ = p.CloseWithError(ctx.Err())
			return
		}
		if err := p.SendText(ctx, fmt.Sprintf("tick %d of %d\n", i, *ticks)); err != nil {
			return
		}
	}
	_ = p.Close()
}

type server struct {
	*http.Server
}

func (s server) Serve(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		errs <- s.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdown)
		return ctx.Err()
	}
}

func main() {
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Printf("Could not start logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	clock := abtime.NewRealTime()
	f := flight.New(&flight.Args{
		Settings: &inject.Settings{
			Coalesce:     *coalesce,
			AbstractTime: clock,
			Logger:       sugar.Infof,
		},
	})

	m := http.NewServeMux()
	m.Handle("/", f.Handler(render, func(r *http.Request) inject.Source {
		p := inject.NewPipe()
		go ticker(r.Context(), clock, p)
		return p
	}))

	supervisor := suture.New("flightdemo", suture.Spec{
		EventHook: func(e suture.Event) {
			sugar.Warnw("supervisor event", "event", e.String())
		},
	})
	supervisor.Add(f)
	supervisor.Add(server{&http.Server{
		Addr:           *bind,
		MaxHeaderBytes: 1 << 20,
		Handler:        m,
	}})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sugar.Infof("Serving http://%s", *bind)
	if err := supervisor.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorf("No longer serving: %v", err)
	}
}
