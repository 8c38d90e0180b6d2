// Package worker runs background tasks off the request path.
//
// Two Dispatcher implementations share the same contract:
//
//   - Pool: goroutines reading a buffered channel, for a single instance
//   - AsynqDispatcher: Redis-backed queue via hibiken/asynq, for several
//
// Tasks run at most once. Handler errors are logged and counted in
// concierge_worker_tasks_processed_total, never retried.
package worker
