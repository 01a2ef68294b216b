// Package messaging provides the message bus, the worker and the failure pipeline.
//
// The pieces fit together as follows:
//   - MessageBus: runs envelopes through a middleware chain
//   - SendMessageMiddleware: sends routed envelopes to their transports
//   - HandleMessageMiddleware: calls handlers and aggregates their errors in a HandlerFailedError
//   - Worker: polls receivers, dispatches envelopes, retries or hands failures to a FailureSink
//   - MultiplierRetryStrategy: exponential redelivery delays driven by RedeliveryStamps
//   - FailureTransportSink and FailedMessageHandler: park failed envelopes and replay them later
//
// Example usage:
//
//	handlers := messaging.NewHandlersLocator()
//	_ = handlers.RegisterFunc(SendInvoice{}, func(ctx context.Context, msg any) error {
//		return invoices.Send(ctx, msg.(SendInvoice))
//	})
//
//	senders := messaging.NewSendersLocator(
//		map[string][]string{"app.SendInvoice": {"async"}},
//		messaging.SenderMap{"async": asyncTransport},
//	)
//	bus := messaging.NewMessageBus(messaging.WithMiddleware(
//		messaging.NewSendMessageMiddleware(senders, nil),
//		messaging.NewHandleMessageMiddleware(handlers),
//	))
//
//	worker, _ := messaging.NewWorker(
//		[]messaging.NamedReceiver{{Name: "async", Receiver: asyncTransport}},
//		bus,
//		messaging.WithRetryStrategies(messaging.RetryStrategies{"async": messaging.DefaultRetryStrategy()}),
//		messaging.WithFailureSink(messaging.NewFailureTransportSink(bus,
//			messaging.WithDefaultFailureTransport("failed"))),
//	)
//	err := worker.Run(ctx)
//
// Errors returned by handlers may carry a RetryPolicy: Unrecoverable errors skip the
// remaining retries, Recoverable errors are always retried.
package messaging
