package ingestion

import "errors"

var (
	// ErrWriterRequired is returned when no write target is provided.
	ErrWriterRequired = errors.New("writer required")

	// ErrMalformedRecord is returned for a dump line that is not a single
	// thread or comment object.
	ErrMalformedRecord = errors.New("malformed dump record")
)
