// Package notify provides a best-effort operator notification pipeline.
//
// Notifications are small, high-signal messages (state transitions,
// capture failures) forwarded to a configured webhook as JSON POSTs. A
// message carries an event name, a human-readable text, a priority, and
// an optional structured payload.
//
// # Pipeline
//
// Notify enqueues onto a bounded queue drained by a worker pool. Workers
// rate-limit sends, retry with exponential backoff and jitter, and
// suppress repeats inside a configurable dedup window. Delivery is never
// load-bearing: a full queue drops, a dead webhook is logged, and the
// scheduler is unaffected either way.
//
// # History
//
// For debugging and operator visibility, the service keeps a small
// in-memory history of recently delivered notifications.
package notify
