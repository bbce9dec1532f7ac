// Package triage implements the delegation policy that sits in front of the
// orchestrator agent.
//
// A cheap word-count and keyword heuristic picks the path attempted first.
// Simple queries take the direct path: one completion call with the
// orchestrator persona. Everything else takes the delegate path, where every
// specialist is offered to the backend as a function tool and the backend's
// choice is authoritative. When a backend call fails on either path the
// policy falls back to a plain orchestrator run without tools.
package triage
