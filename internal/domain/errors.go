package domain

import "errors"

var (
	ErrNotFound     = errors.New("memory not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrPersistence means the in-memory change was applied but could not be
	// made durable. Callers may retry with a flush.
	ErrPersistence          = errors.New("persistence failure")
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")
	// ErrConsolidationConflict means two passes overlapped. The writer gate
	// makes this impossible, so seeing it is a bug.
	ErrConsolidationConflict = errors.New("concurrent consolidation pass detected")
)
