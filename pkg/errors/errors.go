// Package errors provides common domain error types for the packager service.
//
// This package defines sentinel errors for the failure conditions that the
// service distinguishes: client mistakes surfaced at ingress, upstream
// transport failures, archive creation failures and mail delivery failures.
// Using typed errors enables consistent handling with errors.Is() checks.
package errors

import "errors"

// Domain errors - sentinel errors for the service's failure taxonomy.
var (
	// ErrBadRequest indicates a schema violation in a submitted request
	// (missing required field, malformed JSON filter). Surfaced at ingress
	// as HTTP 400.
	ErrBadRequest = errors.New("bad request")

	// ErrNotAuthorized indicates a missing or mismatched shared secret.
	// Surfaced at ingress as HTTP 401.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUpstreamTransport indicates a non-2xx response or a network
	// failure while talking to the upstream catalog or fetching a URL.
	ErrUpstreamTransport = errors.New("upstream transport error")

	// ErrArchive indicates the ZIP command exited non-zero or could not
	// be started.
	ErrArchive = errors.New("archive error")

	// ErrSMTP indicates mail delivery failed. The archive remains cached;
	// the requester is not notified.
	ErrSMTP = errors.New("smtp error")
)

// IsBadRequest reports whether any error in err's chain is ErrBadRequest.
func IsBadRequest(err error) bool {
	return errors.Is(err, ErrBadRequest)
}

// IsNotAuthorized reports whether any error in err's chain is ErrNotAuthorized.
func IsNotAuthorized(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}

// IsUpstreamTransport reports whether any error in err's chain is ErrUpstreamTransport.
func IsUpstreamTransport(err error) bool {
	return errors.Is(err, ErrUpstreamTransport)
}

// IsArchive reports whether any error in err's chain is ErrArchive.
func IsArchive(err error) bool {
	return errors.Is(err, ErrArchive)
}

// IsSMTP reports whether any error in err's chain is ErrSMTP.
func IsSMTP(err error) bool {
	return errors.Is(err, ErrSMTP)
}
