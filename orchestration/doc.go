// Package orchestration interprets the primitive vocabulary multi-agent
// patterns compose: SPAWN, SEND, AWAIT, TRACK, QUERY, COORDINATE and
// AGGREGATE, executed over an active Run. Primitives that suspend (AWAIT,
// COORDINATE) are advanced by ordinary event arrival through the router
// hook, are always timeout-bounded, and resolve with Cancelled on run
// teardown. The run's tracked state is an append-only audit trail; teardown
// cascades termination over every agent the run owns.
package orchestration
