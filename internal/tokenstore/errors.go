package tokenstore

import "errors"

var (
	// ErrDecryption is returned when a stored record cannot be decrypted, either
	// because it is malformed or because it was sealed with a different key.
	ErrDecryption = errors.New("token record decryption failed")

	// ErrNoStoredAuth is returned when updating a session that was never created by a login.
	ErrNoStoredAuth = errors.New("no stored authentication")
)
