// Package core provides the foundational domain types shared by every
// agentrelay package. It defines:
//
//   - Messages and Conversations (the per-request, exclusively owned context)
//   - AgentInfo (identity of an agent as seen by events, traces and callers)
//   - Event (the typed, discriminated streaming envelope and its payloads)
//   - Task and AgentStatus (external-facing progress records)
//   - Observer (progress callbacks agents report through)
//   - The error taxonomy used across the delegation engine
//
// The package intentionally keeps implementation concerns (model backends,
// tool execution, persistence) out of scope, exposing small types and
// interfaces so higher layers stay decoupled from each other.
package core
