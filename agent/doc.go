// Package agent contains the single, data-driven agent implementation and
// the registry that caches one live instance per identity.
//
// Behavioural differences between agents are data, not types:
//
//  1. Definition carries identity, role, instructions, model choice, tools
//     and allowed handoff targets
//  2. Agent binds a Definition to a completion backend and runs the tool loop
//  3. Registry lazily constructs and caches Agents (GetOrCreate)
//
// Design principles:
//   - No hidden global state; a Registry is injected by its owner
//   - An explicit Role tag distinguishes the orchestrator from specialists
//   - Observability flows through core.Observer carried by the context
//   - AsTool exposes an agent as an ordinary function tool for delegation
package agent
