// Package trace records hierarchical, timestamped steps of a request's
// reasoning for later inspection.
//
// A Recorder keeps a bounded number of traces in memory. Steps are kept in
// creation order. Streaming steps open in a pending state, grow through
// repeated appends and close with their final content, so a UI can render
// them progressively. Completing or aborting a trace is final: a second call
// has no effect and late writes are dropped with a warning.
package trace
