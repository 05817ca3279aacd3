// Package engine schedules the pipeline workflows.
//
// Each workflow (intake, structural validation, application validation,
// integration, publish) is run by a Consumer in its own goroutine. A
// Consumer sleeps on a Trigger and, when woken, re-queries its whole
// backlog from the store. Upstream workflows fire downstream triggers when
// they make progress:
//
//	intake -> sys validation -> app validation -> integration
//	authoring -> publish
//
// CRITICAL PATTERNS:
//
// Edge-level triggers:
// A trigger carries no payload, only "look again". Any number of fires
// collapse into one run, and the store is the only queue. A crash between
// fire and run therefore loses nothing: the start-up run picks up the
// backlog.
//
// Injected time:
// Workflows read time only through Clock. Production uses SystemClock
// wrapped in MonotonicClock; tests use testutil.ManualClock.
//
// No global lock:
// Consumers run concurrently. Serialization, where needed, is scoped to
// an agent (chain lock) or an action (integration mutex) by the
// workflows themselves.
package engine
