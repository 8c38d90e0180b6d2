// Package dedupe provides a time-bounded idempotency cache. Clients that retry
// a post with the same key get the originally stored message back instead of a
// second copy.
package dedupe
