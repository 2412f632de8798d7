// Package notifier delivers short operator messages (restart countdowns, save
// and backup outcomes, joins and leaves) to the configured sinks.
//
// Notify only enqueues. A small worker pool drains the queue under a shared
// token-bucket rate limit and retries each sink with jittered exponential
// backoff. Identical messages within the dedup window are suppressed.
// Delivery failures are logged and published on the event bus; they never
// reach the caller.
//
// # Sinks
//
// A Discord/Slack style webhook (guarded by a circuit breaker) and a Telegram
// chat. With no sinks configured, messages are only logged.
//
// # History
//
// The service keeps a short in-memory history of delivered messages.
package notifier
