// Package model defines the provider‑agnostic abstractions and concrete
// helpers for talking to the completion backend.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Normalize tool / function call representation (ToolDefinition, core.ToolCall)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic, Ollama, Gemini) implement the Model interface
// from this package so agents and the triage policy remain decoupled from
// vendor SDKs.
package model
