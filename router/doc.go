// Package router implements the pub/sub core of KSI: deterministic event
// dispatch over exact, namespace-wildcard and global-wildcard subscriptions,
// per-event-class dispatch policies (fan-out vs first-result-wins), and a
// correlation table matching async responses back to exactly one waiter.
//
// Dispatch ordering is a contract, not an accident: handlers for the same
// pattern fire in registration order, and tiers fire most-specific first so
// exact subscribers beat wildcard subscribers under FirstResult. Handler
// failures are isolated per handler, broadcast as event:error notifications,
// and surfaced as failures only to direct correlation waiters.
package router
