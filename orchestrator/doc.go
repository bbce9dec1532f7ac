// Package orchestrator is the request-facing service of agentrelay.
//
// A Service accepts inbound chat requests, resolves which agent answers them
// (the delegation policy for auto and triage requests, a named agent
// otherwise) and runs that agent with a per-request context. Each request
// gets its own copy of the conversation, a model call budget, a trace, an
// event log for streaming and resumption, status feed entries and,
// when the request carries a user id, a task record.
//
// Requests are bounded by a concurrency limit and can be cancelled by id.
// A cancelled request stops emitting, marks its trace aborted and never
// sends a terminal complete event.
package orchestrator
