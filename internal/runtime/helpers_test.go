package runtime

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/powerjob/remoting/internal/runtime/config"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
	"github.com/powerjob/remoting/transport/channel"
)

const waitTimeout = 5 * time.Second

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// testConfig builds a node config on 127.0.0.1 using the in-process transport.
func testConfig(t *testing.T, profile string, port int, overrides map[string]any) configpkg.Config {
	t.Helper()
	base, err := configpkg.Profile(profile)
	require.NoError(t, err)

	all := map[string]any{
		"remote.canonical.hostname": "127.0.0.1",
		"remote.canonical.port":     port,
		"remote.transport":          "channel",
	}
	maps.Copy(all, overrides)
	cfg, err := configpkg.Merge(base, all)
	require.NoError(t, err)
	return cfg
}

func testDependencies(network *channel.Network) Dependencies {
	return Dependencies{
		Transport:  network.Builder(),
		Registerer: prometheus.NewRegistry(),
	}
}

// newTestSystem creates a System that is shut down when the test ends.
func newTestSystem(t *testing.T, cfg configpkg.Config, deps Dependencies) *System {
	t.Helper()
	sys, err := NewSystem(cfg, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys
}

func startTestSystem(t *testing.T, cfg configpkg.Config, deps Dependencies) *System {
	t.Helper()
	sys := newTestSystem(t, cfg, deps)
	require.NoError(t, sys.Start(context.Background()))
	return sys
}

func newTestNetwork(t *testing.T) *channel.Network {
	t.Helper()
	network := channel.NewNetwork(nil)
	t.Cleanup(func() { _ = network.Close() })
	return network
}

// recorder is a handler that keeps every message it sees.
type recorder struct {
	mu       sync.Mutex
	messages []*message.Message
	ch       chan *message.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *message.Message, 1024)}
}

func (r *recorder) handle(msg *message.Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.ch <- msg
	return nil
}

// wait blocks until n messages arrived and returns them in arrival order.
func (r *recorder) wait(t *testing.T, n int) []*message.Message {
	t.Helper()
	got := make([]*message.Message, 0, n)
	deadline := time.After(waitTimeout)
	for len(got) < n {
		select {
		case msg := <-r.ch:
			got = append(got, msg)
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(got))
		}
	}
	return got
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// faultCollector is a FaultSink that keeps every record.
type faultCollector struct {
	mu      sync.Mutex
	records []FaultRecord
	ch      chan FaultRecord
}

func newFaultCollector() *faultCollector {
	return &faultCollector{ch: make(chan FaultRecord, 64)}
}

func (c *faultCollector) Report(_ context.Context, rec FaultRecord) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	c.ch <- rec
	return nil
}

func (c *faultCollector) wait(t *testing.T) FaultRecord {
	t.Helper()
	select {
	case rec := <-c.ch:
		return rec
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a fault record")
		return FaultRecord{}
	}
}

// assertNoMore fails if another record arrives within d.
func (c *faultCollector) assertNoMore(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case rec := <-c.ch:
		t.Fatalf("unexpected extra fault record: %+v", rec)
	case <-time.After(d):
	}
}

// observe registers a troubleshooting handler on sys feeding a new collector.
func observe(t *testing.T, sys *System, name string) *faultCollector {
	t.Helper()
	collector := newFaultCollector()
	require.NoError(t, Register(sys, HandlerRegistration{
		Name:    name,
		Handler: FaultObserver(collector, newTestLogger()),
	}))
	require.NoError(t, sys.Events().Subscribe(sys.Self(name)))
	return collector
}

func textMessage(payload string) *message.Message {
	return message.NewMessage("", []byte(payload))
}
