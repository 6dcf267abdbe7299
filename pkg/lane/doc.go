// Package lane provides per-key FIFO operation lanes for adapter lifecycle work.
//
// # Overview
//
// A Scheduler multiplexes lifecycle operations (initialize, start, stop,
// dispose) onto logical lanes keyed by adapter ID. Lanes are created lazily
// on first submission and cached for the scheduler's lifetime. Each lane is
// backed by its own goroutine and bounded FIFO queue, which gives two
// guarantees the lifecycle coordinator depends on:
//
//   - Operations submitted to the same lane execute strictly in submission
//     order. An adapter is therefore never concurrently initialized, started,
//     stopped or disposed against itself.
//   - Operations on different lanes run concurrently. A slow Initialize on
//     one adapter never delays another adapter's lane; because every lane
//     owns a goroutine, available concurrency always matches the number of
//     live lanes, even on single-core hosts.
//
// # Active-item markers
//
// A lane's queue can hold operations for an adapter instance that has since
// been replaced or removed. The scheduler keeps an active-instance token per
// lane: operations carry the token of the instance they were enqueued for,
// and a queued operation whose token no longer matches the lane's active
// token is skipped when it reaches the front of the queue. Operations with a
// zero token (uuid.Nil) run unconditionally; removal uses this for the final
// stop-and-dispose of an outgoing instance.
//
// # Failure isolation
//
// Errors and panics from an operation are captured at the lane boundary and
// reported through the scheduler's error handler. They never propagate to,
// or halt, other lanes.
package lane
