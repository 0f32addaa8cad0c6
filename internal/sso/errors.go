package sso

import "errors"

var (
	ErrUnknownAccount         = errors.New("sso: unknown account")
	ErrInvalidClientSignature = errors.New("sso: invalid client signature")
	ErrInvalidSignature       = errors.New("sso: invalid token signature")
	ErrExpired                = errors.New("sso: token expired")
	ErrAccountNotFound        = errors.New("sso: account not found")
	ErrReplayed               = errors.New("sso: token already used")
	ErrStorageUnavailable     = errors.New("sso: storage unavailable")
	ErrInvalidInput           = errors.New("sso: invalid input")
	ErrNotFound               = errors.New("sso: not found")
)

// OutcomeFor maps an error returned by Service onto the access-log outcome.
func OutcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrStorageUnavailable):
		return OutcomeStorageUnavailable
	case errors.Is(err, ErrInvalidClientSignature):
		return OutcomeInvalidClientSignature
	case errors.Is(err, ErrUnknownAccount):
		return OutcomeUnknownAccount
	case errors.Is(err, ErrExpired):
		return OutcomeExpired
	case errors.Is(err, ErrReplayed):
		return OutcomeReplayed
	case errors.Is(err, ErrAccountNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInvalidSignature):
		return OutcomeInvalidSignature
	default:
		return OutcomeInvalidRequest
	}
}
