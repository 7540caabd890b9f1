package adapter

import "errors"

// Sentinel errors for adapter selection and invocation.
var (
	// ErrNoAdapter means no registered adapter matched the config's label,
	// or no default adapter exists for an empty label.
	ErrNoAdapter = errors.New("no adapter found")
	// ErrAmbiguousAdapter means more than one adapter matched.
	ErrAmbiguousAdapter = errors.New("ambiguous adapter selection")
	// ErrInitFailed wraps an adapter's Init failure.
	ErrInitFailed = errors.New("adapter init failed")
	// ErrRequestFailed wraps a backend failure during Ask.
	ErrRequestFailed = errors.New("adapter request failed")
)
