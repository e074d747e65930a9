// Package task is the master side of the worker pool: it derives the worker
// descriptors, builds a Package per call, picks a worker, and drives one
// request/response exchange over that worker's Unix socket.
//
// Two kinds of failure are kept apart:
//   - Setup errors (attaching a pool twice) are returned as Go errors and are
//     never retried.
//   - Dispatch outcomes (busy worker, undecodable reply, expired package, task
//     failure) are returned as a Code that callers branch on.
//
// Every exchange uses one connection, one send and one receive bounded by the
// timeout. Nothing here retries; a caller that wants retry-on-busy loops.
//
// Async dispatch only waits for the enqueue acknowledgment. The outcome is
// published by the worker on the package's OnFinish channel, which the master
// receives through the notify listener and the events hub.
package task
