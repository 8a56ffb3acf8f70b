package errs

import "errors"

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserAlreadyExists  = errors.New("user already exists")
)
