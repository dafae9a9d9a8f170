// Package eventlog is a client for a partitioned, append-only event log
// service reached over AMQP 1.0.
//
// All link, session and channel state lives on a single reactor goroutine.
// Callers submit work through the reactor's dispatcher and get results back
// through callbacks or futures. Control-plane requests travel over a
// ManagementChannel, a request/response pair of links that is opened lazily
// and reopened after failure by a FaultTolerantObject. Events are consumed by
// a ReceivePump that drives a ReceiveHandler from its own goroutine.
//
// Basic usage:
//
//	factory := eventlog.NewConnectionFactory(
//		eventlog.WithHost("myhub.example.net"),
//		eventlog.WithEntityPath("telemetry"),
//		eventlog.WithCredentials("RootManageSharedAccessKey", key),
//	)
//	client, err := factory.NewClient(ctx)
//	if err != nil {
//		return err
//	}
//	defer client.Close(ctx)
//
//	info, err := client.GetRuntimeInformation(ctx)
package eventlog
