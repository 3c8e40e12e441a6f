package errors

import "errors"

// Sentinels for the failure taxonomy shared by the resolution and media
// paths. Adapter layers wrap these with operation and key context; callers
// classify with errors.Is.
var (
	// ErrNotFound: the key is absent from the store and, for resolution,
	// the generation backend reported no reliable entity. Safe to retry
	// later; nothing was persisted.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey: unique-key violation on insert. Recovered locally
	// by re-reading the winning record; never surfaced to callers.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrRateLimitExceeded: the retry budget against the generation
	// backend is exhausted.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrGenerationParse: the backend responded but the payload could not
	// be decoded into the required schema.
	ErrGenerationParse = errors.New("generation response parse failed")

	// ErrStoreUnavailable: the record store could not serve the call.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrBlobUnavailable: the object store could not serve the call.
	ErrBlobUnavailable = errors.New("blob store unavailable")

	// ErrBlobUnconfigured: no bucket/target configured. Media flows treat
	// this as a degraded-but-non-fatal condition and fall back to raw
	// bytes.
	ErrBlobUnconfigured = errors.New("blob store not configured")

	// ErrMediaGenerationFailed: any unrecoverable failure while producing
	// or persisting a media asset, fanned out to every coalesced waiter.
	ErrMediaGenerationFailed = errors.New("media generation failed")

	// ErrInvalidArgument is a generic sentinel for bad input.
	ErrInvalidArgument = errors.New("invalid argument")
)
