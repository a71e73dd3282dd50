package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnsupportedPlan     = errors.New("unsupported plan")
	ErrGatewayTimeout      = errors.New("gateway timeout")
	ErrGatewayRateLimited  = errors.New("gateway rate limited")
	ErrProviderFailure     = errors.New("provider failure")
	ErrStorage             = errors.New("storage failure")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)

// IsGatewayFailure reports whether err is one of the failures that must be
// compensated with a refund after a successful debit.
func IsGatewayFailure(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) ||
		errors.Is(err, ErrGatewayRateLimited) ||
		errors.Is(err, ErrProviderFailure)
}
