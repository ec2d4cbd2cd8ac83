// Package dag implements the pipeline scheduler.
//
// Tasks are registered per stage with a concurrency cap, validated as a
// dependency graph (unknown dependencies and cycles are rejected) and then
// driven by a single control loop:
//   - Readiness: every dependency finished, and the task gate (if any) available
//   - Dispatch: stage-priority frontier under a global capacity and stage caps
//   - Completion: process exit plus marker artifact on disk
//   - Abort: a fatal-signal exit, failure, timeout or cancellation kills every
//     running process group
//
// The loop sleeps on process exits, artifact notifications and a bounded
// poll interval instead of spinning.
package dag
