// Package remoting boots the messaging fabric of a scheduling node and derives
// the addresses of handlers on other nodes. It is a small layer on top of
// Watermill: every node owns one inbox on its canonical endpoint, handlers are
// registered under fixed names and peers are addressed as
//
//	akka://<system>@<host>:<port>/user/<name>
//
// without any directory service.
//
// Init resolves the local endpoint, merges the node configuration over the
// server or worker profile, starts the System and registers the fixed
// handlers of the profile. On a server these are the pooled server_actor on
// its own dispatch lane, the friend_actor singleton for peer servers and the
// server_troubleshooting_actor that receives every undeliverable message and
// forwards it to a FaultSink. A minimal server therefore is:
//
//	sys, err := remoting.Init(ctx, remoting.BootOptions{Port: 10086})
//	if err != nil {
//		return err
//	}
//	defer sys.Shutdown(context.Background())
//
//	worker := remoting.AddressOf(remoting.Endpoint{Host: "10.0.0.5", Port: 27777}, remoting.WorkerDispatch)
//	sys.Send(worker, msg)
//
// Send never blocks on delivery and never reports delivery failures to the
// caller; they are published as dead letters on the EventStream of the node
// that detected them.
//
// # Transports
//
// The fabric runs over any transport registered in the transport package:
//   - http: one HTTP listener per node, the default
//   - channel: in-process Go channels for tests and single-binary clusters
//   - nats: one subject per node inbox
//   - kafka: one topic per node inbox
//   - rabbitmq: one durable queue per node inbox
//
// Import github.com/powerjob/remoting/transport/transports to register all of
// them, or a single transport package for just that one.
//
// # Middleware
//
// Every handler invocation runs through correlation ID propagation, message
// logging, OpenTelemetry tracing and panic recovery. Retry, timeout and
// delivery hooks can be appended through Dependencies.Middlewares.
package remoting
