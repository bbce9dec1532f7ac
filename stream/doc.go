// Package stream delivers a request's typed events to callers.
//
// Every request owns a Log: an append-only, sequence-numbered event list
// that ends with exactly one terminal event (complete or error), or is
// abandoned without one when the request is cancelled. A Hub retains recent
// logs so a consumer that lost its connection can resume from the last id it
// saw. The Emitter is the write side used by the orchestration service; the
// SSE helpers are the wire codec.
package stream
