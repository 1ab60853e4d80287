//go:build integration

package integration

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"brewctl/internal/api"
	"brewctl/internal/config"
	"brewctl/internal/feed"
	"brewctl/internal/model"
	"brewctl/internal/recorder"
	"brewctl/internal/sim"
	"brewctl/internal/stats"
)

// These tests run a full round trip against the reference controller
// over real sockets: feed out, commands in, next samples reflecting
// the commands. They are gated behind -tags=integration and
// BREWCTL_INTEGRATION=1 because they run wall-clock tickers.

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("BREWCTL_INTEGRATION") != "1" {
		t.Skip("set BREWCTL_INTEGRATION=1 to run")
	}
}

func simConfig() config.SimConfig {
	return config.SimConfig{
		Listen:     "127.0.0.1:0",
		IntervalMS: 40,
		Ambient:    20,
		StartTemp:  20,
	}
}

// tick drives the simulator clock until the returned stop function is
// called.
func tick(srv *sim.Server, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				srv.Step()
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func waitSample(t *testing.T, ch <-chan model.Sample, ok func(model.Sample) bool, what string) model.Sample {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if ok(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestEndToEnd_CommandsShowUpInFeed(t *testing.T) {
	requireIntegration(t)

	srv := sim.NewServer(simConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	stop := tick(srv, 40*time.Millisecond)
	defer stop()

	stream, err := feed.New(ts.URL, feed.Options{
		Transport:  feed.TransportSSE,
		Reconnect:  true,
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer stream.Close()

	var mu sync.Mutex
	var collected []model.Sample
	stream.Subscribe(func(s model.Sample) {
		mu.Lock()
		collected = append(collected, s)
		mu.Unlock()
	})

	var rec strings.Builder
	logger := recorder.New(&rec, time.Minute)
	stream.Subscribe(logger.Observe)

	samples := make(chan model.Sample, 64)
	stream.Subscribe(func(s model.Sample) {
		select {
		case samples <- s:
		default:
		}
	})
	stream.EnsureConnected()

	waitSample(t, samples, func(s model.Sample) bool { return s.Heater == 0 }, "first sample")

	ctx := context.Background()
	client := api.NewClient(ts.URL)
	if err := client.SetHeater(ctx, model.HeaterOn); err != nil {
		t.Fatalf("set heater: %v", err)
	}
	waitSample(t, samples, func(s model.Sample) bool { return s.Heater == 1 }, "heater on in feed")

	if err := client.SetTargetTemperature(ctx, 30); err != nil {
		t.Fatalf("set target: %v", err)
	}
	waitSample(t, samples, func(s model.Sample) bool { return s.Controller.String() == "auto" }, "thermostat mode in feed")

	mu.Lock()
	summary := stats.Summarize(collected, time.Time{})
	mu.Unlock()
	if summary.Count < 3 {
		t.Fatalf("count=%d want at least 3", summary.Count)
	}
	if summary.HeaterDutyPct <= 0 {
		t.Fatalf("heater duty=%v want positive", summary.HeaterDutyPct)
	}
	if summary.MinTemp < 15 || summary.MaxTemp > 40 {
		t.Fatalf("temperature range [%v, %v] implausible", summary.MinTemp, summary.MaxTemp)
	}

	// First line, heater flip and mode flip are all state changes.
	if logger.Count() < 3 {
		t.Fatalf("recorder lines=%d want at least 3", logger.Count())
	}
	if !strings.Contains(rec.String(), "heater=on") {
		t.Fatalf("recorder output missing heater flip:\n%s", rec.String())
	}

	st := stream.Stats()
	if st.Delivered < uint64(summary.Count) {
		t.Fatalf("delivered=%d below collected count %d", st.Delivered, summary.Count)
	}
}

func TestEndToEnd_ReconnectAfterRestart(t *testing.T) {
	requireIntegration(t)

	srv := sim.NewServer(simConfig())
	stop := tick(srv, 40*time.Millisecond)
	defer stop()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	first := &http.Server{Handler: srv.Handler()}
	go first.Serve(l)

	stream, err := feed.New("http://"+addr, feed.Options{
		Transport:  feed.TransportSSE,
		Reconnect:  true,
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer stream.Close()

	samples := make(chan model.Sample, 64)
	stream.Subscribe(func(s model.Sample) {
		select {
		case samples <- s:
		default:
		}
	})
	stream.EnsureConnected()
	waitSample(t, samples, func(model.Sample) bool { return true }, "sample before restart")

	first.Close()

	l2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	second := &http.Server{Handler: srv.Handler()}
	go second.Serve(l2)
	defer second.Close()

	waitSample(t, samples, func(model.Sample) bool { return true }, "sample after restart")
	if st := stream.Stats(); st.Reconnects < 1 {
		t.Fatalf("reconnects=%d want at least 1", st.Reconnects)
	}
}
