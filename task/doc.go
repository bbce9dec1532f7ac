// Package task provides TaskStore implementations for the records the
// orchestration service keeps about user-visible requests.
package task
