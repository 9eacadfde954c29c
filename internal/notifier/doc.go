// Package notifier fans a notification out to every registered recipient.
//
// Broadcast snapshots the recipient registry and queues one delivery per endpoint.
// A small worker pool drains the queue through the transport's Outbound interface with
// a shared rate limit, a per-send timeout, and jittered exponential retry. A failing
// recipient never blocks or fails the others.
//
// Endpoints without a conversation are first asked for a direct conversation via
// Outbound.CreateDirect.
package notifier
