// Package core provides the foundational domain types shared by every layer
// of the KSI event system. It defines:
//
//   - Event (the immutable envelope flowing through the router)
//   - Handler / Emitter (the narrow contracts components exchange)
//   - The error taxonomy (schema, template, timeout, spawn, handler errors)
//
// The package intentionally keeps implementation concerns (routing,
// transformation, orchestration, persistence) out of scope, exposing small
// types so higher layers can depend on contracts rather than each other.
package core
