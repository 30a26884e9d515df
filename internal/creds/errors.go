package creds

import "errors"

var (
	// ErrTokenNotFound means no usable credential exists for the account
	// from any source. The remedy is an import or manual entry.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired means a stored credential exists but is past its
	// usable lifetime. Surfaced distinctly from not-found; same remedy.
	ErrTokenExpired = errors.New("token expired")
)
