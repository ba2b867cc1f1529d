package remoting

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/powerjob/remoting/transport/channel"
)

func TestAddressExports(t *testing.T) {
	ep := Endpoint{Host: "10.0.0.5", Port: DefaultWorkerPort}
	addr := AddressOf(ep, WorkerTaskTracker)
	if got := addr.String(); got != "akka://oms@10.0.0.5:27777/user/task_tracker" {
		t.Fatalf("unexpected address %q", got)
	}

	parsed, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch: %v != %v", parsed, addr)
	}

	if _, err := ParseAddress("akka://oms@10.0.0.5/user/worker"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address error, got %v", err)
	}
}

func TestConfigExports(t *testing.T) {
	base, err := ProfileConfig(ProfileWorker)
	if err != nil {
		t.Fatalf("profile failed: %v", err)
	}
	cfg, err := MergeConfig(base, map[string]any{"remote.canonical.port": 30000})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if cfg.Port != 30000 || cfg.SystemName != WorkerSystemName {
		t.Fatalf("unexpected merged config: port=%d system=%s", cfg.Port, cfg.SystemName)
	}

	_, err = MergeConfig(base, map[string]any{"remote.canonical.port": true})
	var mergeErr *ConfigMergeError
	if !errors.As(err, &mergeErr) {
		t.Fatalf("expected ConfigMergeError, got %v", err)
	}
}

func TestInitBootsServer(t *testing.T) {
	network := channel.NewNetwork(nil)
	t.Cleanup(func() { _ = network.Close() })

	sys, err := Init(context.Background(), BootOptions{
		Port:         DefaultServerPort,
		HostOverride: "127.0.0.1",
		Overrides:    map[string]any{"remote.transport": "channel", "dispatch.pool-size": 2},
		Logger:       NewNopLogger(),
		Dependencies: Dependencies{Transport: network.Builder(), Registerer: prometheus.NewRegistry()},
	})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })

	if sys.Name() != ServerSystemName {
		t.Fatalf("expected %s, got %s", ServerSystemName, sys.Name())
	}
	want := AddressOf(sys.Endpoint(), ServerDispatch)
	if got := sys.Self("server_actor"); got != want {
		t.Fatalf("self address %v != %v", got, want)
	}
	if n := len(sys.Handlers()); n != 3 {
		t.Fatalf("expected 3 fixed handlers, got %d", n)
	}
}

func TestHandlerExportsPropagateErrors(t *testing.T) {
	if _, err := JSONHandler[*struct{}](nil, nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
	if _, err := ProtoHandler[*structpb.Struct](nil, nil, nil); !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
}

func TestPolicyExports(t *testing.T) {
	if Single().Size() != 1 {
		t.Fatalf("single policy must have one instance")
	}
	if PooledRoundRobin(4).Size() != 4 {
		t.Fatalf("pooled policy must keep its size")
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestErrorCategoryConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if ClassifyError(errors.New("x")) != ErrorCategoryHandler {
		t.Fatalf("plain errors must classify as handler errors")
	}
}
