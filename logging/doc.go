// Package logging provides the Logger interface used across agentrelay and
// its slog-backed implementation.
//
//   - Logger is the interface packages accept through their options
//   - StructuredLogger writes JSON or text via log/slog and can be scoped with
//     WithComponent, WithSession and With
//   - ForComponent, ForRequest and ErrorWithStack apply that scoping to any
//     Logger and leave other implementations untouched
//   - NoOpLogger is the default everywhere
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	svc := orchestrator.New(registry, func(o *orchestrator.Options) { o.Logger = logger })
//
// Arguments after the message are slog-style key/value pairs.
package logging
