// Package engine executes recipes one step per delivery.
//
// A Dispatcher receives a delivery (key, message, attributes), resolves the key
// in the recipe graph, runs the handler through the interceptor chain and turns
// the result into new tasks. No workflow state is kept in process: everything a
// later step needs travels in the message or, for sub-sequence fan-out, in the
// JobStore.
//
// Main components:
//   - Dispatcher: the per-delivery state machine
//   - Coordinator: sub-sequence fan-out and the exactly-once fan-in
//   - Classifier: maps handler failures to status codes and dead-letter decisions
//   - IdempotencyGuard: drops deliveries whose lock already exists
//
// Every delivery ends in a Response whose Status is what the transport acts on:
// 2xx acknowledges, 400, 500 and 502 ask for redelivery, 404 means the route is unknown.
package engine
