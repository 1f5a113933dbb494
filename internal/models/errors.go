package models

import "errors"

// Domain errors. Handlers map them to HTTP statuses; wrap with fmt.Errorf("%w") to add detail.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")

	ErrInvalidCode     = errors.New("invalid code")
	ErrAlreadyUsed     = errors.New("unlock code already used")
	ErrCodeAlreadyUsed = errors.New("code already used")
	ErrLimitReached    = errors.New("code usage limit reached")
	ErrAgentInactive   = errors.New("agent is not active")
	ErrIssuance        = errors.New("could not issue a unique code")

	ErrDuplicateEmail = errors.New("email already registered")
	ErrBadCredential  = errors.New("invalid credentials")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrDisabled       = errors.New("account disabled")
	ErrForbidden      = errors.New("forbidden")
	ErrExpired        = errors.New("code expired")
	ErrRateLimited    = errors.New("too many requests")

	ErrUpstream = errors.New("upstream failure")
)
