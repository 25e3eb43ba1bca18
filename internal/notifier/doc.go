// Package notifier queues messages for delivery to chat sinks.
//
// Each sink kind gets one Dispatcher with its own bounded queue and a single
// consumer goroutine, so messages to a sink are sent in the order they were
// enqueued. A Fanout splits a message across the dispatchers named by its targets.
//
// # Delivery
//
// Every destination of a message is attempted in turn. Transient failures are
// retried with a fixed delay up to Config.RetryMax attempts. When a sink rejects
// the payload itself (ErrContentRejected) and the message carries media, the text
// is resent once on its own. Whatever happens, the result is recorded on the
// status tracker and the worker moves on; a failure never blocks the queue.
//
// # Dedup
//
// Identical messages to the same destinations within Config.DedupWindow are
// suppressed at enqueue time.
package notifier
