package vectorstore

import "errors"

var (
	// ErrMissingTenant is returned by backends for an empty client id.
	ErrMissingTenant = errors.New("tenant client id required")

	// ErrStaleWrite is returned when an upsert is older than the stored row.
	ErrStaleWrite = errors.New("stale write: stored record is newer")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// configured embedding dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidRequest indicates a malformed store, search or delete request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrIngestionFailed wraps embedding or storage failures during a store.
	ErrIngestionFailed = errors.New("ingestion failed")

	// ErrSearchFailed wraps embedding or storage failures during a search.
	ErrSearchFailed = errors.New("search failed")

	// ErrInvalidConfig indicates an unusable backend configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")
)
