// Package errs contains sentinel errors used across layers for stable error
// classification and HTTP status mapping.
package errs

import "errors"

var (
	// ErrBadInput indicates a malformed request or missing fields; never retried.
	ErrBadInput = errors.New("bad input")

	// ErrUnauthorized indicates a bad or expired credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller with insufficient scope,
	// including final-scope-exceeds-base-scope attempts.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates a uniqueness violation (e-mail, username, api key).
	ErrConflict = errors.New("conflict")

	// ErrNotFound indicates a missing user, credential or resource.
	ErrNotFound = errors.New("not found")

	// ErrInternal indicates a store, cache or lock failure; callers and the
	// event redelivery layer are expected to retry.
	ErrInternal = errors.New("internal error")

	// ErrUpstream indicates an identity-provider failure. Handlers map it to
	// ErrUnauthorized or ErrInternal depending on whether the caller can
	// correct it.
	ErrUpstream = errors.New("upstream error")
)
