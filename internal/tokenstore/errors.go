package tokenstore

import "errors"

var (
	// ErrInvalidFormat is returned by Store when the token is malformed or carries an injection signature.
	ErrInvalidFormat = errors.New("invalid token format")

	// ErrIntegrityFailure means the envelope MAC did not verify.
	ErrIntegrityFailure = errors.New("token integrity check failed")

	// ErrExpiredToken means the stored token is older than the configured TTL.
	ErrExpiredToken = errors.New("token expired")

	// ErrDecodeFailure means the envelope, ciphertext or payload could not be decoded.
	ErrDecodeFailure = errors.New("token decode failed")
)
