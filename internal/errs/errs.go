// Package errs contains sentinel errors shared by the store, sync engine and
// protocol server so each layer can map failures with errors.Is.
package errs

import "errors"

var (
	// ErrNotFound indicates the resource id is absent or tombstoned.
	ErrNotFound = errors.New("not found")

	// ErrAuthentication indicates bad Basic-Auth credentials or a remote token
	// that is invalid and could not be refreshed.
	ErrAuthentication = errors.New("authentication failure")

	// ErrTransientNetwork indicates the remote API was unreachable or timed out.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrMalformedInput indicates an unparseable request body or remote record.
	ErrMalformedInput = errors.New("malformed input")

	// ErrStorage indicates the local database could not be read or written.
	ErrStorage = errors.New("storage failure")
)
