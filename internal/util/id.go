package util

import "github.com/google/uuid"

// NewID generates a new random UUID string used for traces, spans, tasks and
// requests.
func NewID() string { return uuid.NewString() }
