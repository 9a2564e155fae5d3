// Package broadcast owns the delivery queue and the worker pool that drains it.
//
// Every send is gated by the shared rate limiter and follows the retry policy:
//   - permanent recipient failures are recorded and never retried
//   - provider throttling sleeps exactly the requested wait and retries the
//     same attempt without spending the retry budget
//   - other failures retry with exponential backoff (base * 2^attempt) and are
//     dropped with a warning once the budget is spent
//
// Enqueue applies backpressure: it waits for queue space instead of dropping.
package broadcast
