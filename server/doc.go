// Package server exposes the orchestrator over HTTP: chat requests answered
// as JSON or Server-Sent Events, stream resumption and cancellation, agent
// and trace listings, a websocket status feed and optional JWT bearer auth.
package server
