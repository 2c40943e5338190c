// Package orchestrator drives the issue automation cycle.
//
// # Overview
//
// A cycle turns one issue into an approved pull request, or gives up:
//
//	running → waiting_ci → reviewing → {completed | failed}
//
// plus cancelled, which an operator can force at any time. The iteration
// record in the store is the only shared state. Every step reads it, does
// its work through per-step gateway sessions, and moves it on with a
// conditional update, so concurrent or duplicate deliveries of the same
// event cannot both win.
//
// # Entry points
//
//   - StartCycle opens a cycle for an issue, or returns the active one.
//     With Restart set, the active cycle is failed and a fresh one opened.
//   - HandleCICompletion reacts to a finished CI run on the cycle's pull
//     request. Events for records that are not waiting on CI are dropped
//     with a defined Outcome.
//   - RunCodeStep is the continuation handed to the Scheduler when a review
//     requests changes.
//   - Cancel ends a cycle as cancelled.
//
// Entry points never surface step failures. A failing step ends the cycle
// as failed and, when a pull request exists, leaves a comment saying why.
// Errors are returned only when the store itself cannot be read or written.
//
// # Timers
//
// The orchestrator owns no timer. Waiting for CI is waiting for an event.
// The Watchdog, run by the hosting process, is the collaborator that gives
// up on CI that never reports.
package orchestrator
