package lti

import "errors"

// Launch failures. None of them are retried; the caller shows an access
// denial and writes no session state.
var (
	ErrUnknownPlatform   = errors.New("lti: unknown platform")
	ErrInvalidSignature  = errors.New("lti: invalid token signature")
	ErrExpiredToken      = errors.New("lti: token expired")
	ErrNonceMismatch     = errors.New("lti: state or nonce mismatch")
	ErrUnknownDeployment = errors.New("lti: unknown deployment")
	ErrInvalidClaims     = errors.New("lti: invalid launch claims")
)
