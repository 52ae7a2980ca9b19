// Package dedupe remembers the outcome of a request for a short window so a
// retried request can be answered without repeating its side effects.
//
// The task service keys it by user and Idempotency-Key header: a client
// that retries POST /api/queries after a dropped response gets the original
// session and job ids back instead of enqueuing a second job.
package dedupe
