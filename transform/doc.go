// Package transform implements the declarative event-rewriting engine: rules
// that map a source event onto a target event, synchronously or
// asynchronously, with strict template field mapping, boolean conditions and
// response routing for async results. It is a small rule-based VM over the
// event stream, attached to the router as a post-dispatch hook.
package transform
