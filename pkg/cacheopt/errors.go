package cacheopt

import "errors"

var (
	// Store errors. Callers on the request path degrade these to cache
	// misses rather than propagating them.
	ErrStoreUnavailable = errors.New("store backend unavailable")
	ErrStoreTimeout     = errors.New("store operation timeout")

	// Payload errors
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")
	ErrCompressionFailed     = errors.New("compression failed")
	ErrDecompressionFailed   = errors.New("decompression failed")

	// Configuration errors
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrUnknownContentType = errors.New("unknown content type")

	// Lifecycle errors
	ErrShuttingDown = errors.New("cache is shutting down")
)
