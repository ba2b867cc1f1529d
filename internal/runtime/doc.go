/*
Package runtime provides the messaging fabric a PowerJob node runs on.

# Architecture Overview

A System owns one inbox on one endpoint. Handlers are registered under a
name and reached through an address of the form

	akka://<system>@<host>:<port>/user/<name>

Messages are Watermill envelopes. The recipient travels in metadata, so every
node needs a single transport topic regardless of how many handlers it hosts.

# Package Structure

## Runtime (system.go, inbound.go, outbound.go)

System wires the transport, the inbound forwarder and the per-destination
outbound lanes. Send is fire-and-forget: local recipients are enqueued
directly, remote ones go through a FIFO lane that retires when idle.

## Handler Registry (registry.go, mailbox.go)

Register installs singleton or pooled round-robin handlers. Every instance
drains its own unbounded mailbox on one goroutine. Dispatch lanes bound how
many instances of a lane run at once.

## Fault Observer (deadletter.go, observer.go)

Undeliverable messages become dead letters on the EventStream. Subscribers
receive them as FaultRecord envelopes; FaultObserver hands each record to a
FaultSink and never lets the sink take the subscription down.

## Middleware (middleware.go)

The default chain adds a correlation id, debug logging, an OpenTelemetry
consumer span and panic recovery around every handler invocation.

## Stats & Monitoring (stats.go, metrics.go, resources.go, admin.go)

Per-handler latency, throughput, error and backlog statistics, Prometheus
counters for the fabric, and an optional JSON admin endpoint.

## Bootstrap (bootstrap.go)

Boot resolves the endpoint, merges the profile configuration, registers the
fixed handlers and starts the System.

# Sub-packages

  - address/: addresses, endpoints and well-known roles
  - config/: profiles, override merging and validation
  - errors/: sentinel errors and error types
  - ids/: ULID generation for message and record IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: envelope metadata keys and helpers
  - netutil/: local endpoint resolution

# Usage Example

	sys, err := runtime.Boot(ctx, runtime.BootOptions{
		Profile:      "server",
		HostOverride: "10.0.0.7",
		Handlers: runtime.ServerHandlers{
			PeerLiaison: handlePeer,
		},
	})
	if err != nil {
		return err
	}
	defer sys.Shutdown(context.Background())

	peer, _ := sys.PeerLiaison("10.0.0.8:10086")
	_ = sys.SendJSON(peer, ping)
*/
package runtime
