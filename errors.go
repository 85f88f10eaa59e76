package kachery

import "errors"

// Sentinel errors map spec.md §7's error-kind taxonomy onto Go idiom.
// NotFound is deliberately absent: lookups that find nothing return
// (nil, nil), never an error value.
var (
	// ErrIntegrity wraps a digest or size mismatch on a downloaded or
	// loaded artifact.
	ErrIntegrity = errors.New("kachery: integrity check failed")

	// ErrRemoteTransport wraps a network or protocol failure talking to a
	// configured remote endpoint.
	ErrRemoteTransport = errors.New("kachery: remote transport error")

	// ErrConfigMissing is returned when an operation requires a remote
	// endpoint that is not configured.
	ErrConfigMissing = errors.New("kachery: required endpoint is not configured")

	// ErrUsage covers malformed input: invalid ranges, malformed URIs,
	// conflicting flags.
	ErrUsage = errors.New("kachery: invalid usage")
)
