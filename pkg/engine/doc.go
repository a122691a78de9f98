// Package engine converges declarative resources on a single host.
//
// # Overview
//
// A pass takes an ordered list of ResourceSpec values and a list of
// Notification edges. The engine validates the whole input first, then walks
// the specs in order:
//
//  1. Check - the kind's Handler observes the current state
//  2. Converge - only when current and desired state differ
//  3. Publish - the change event goes to the notification Bus
//
// After the last resource, delayed notifications are flushed once per
// (target, action) pair.
//
// # Errors
//
// Failures are returned as *EngineError with one of three classes:
//
//   - validation: bad input, detected before anything is touched
//   - resource: a handler failed; the pass stops, nothing is rolled back
//   - exec: an external command failed or timed out
//
// Use IsValidation, IsResource and IsExec, or errors.Is against an
// EngineError carrying the class and code.
//
// # Plan mode
//
// With Config.Noop set, the engine reports would_change for resources that
// differ and logs the notifications that would fire, but never calls
// Converge or Act.
package engine
