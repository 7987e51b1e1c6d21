package service

import (
	"errors"
	"fmt"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/pkg/password"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountLocked       = errors.New("account is locked")
	ErrPasswordExpired     = errors.New("password has expired")
	ErrInvalidToken        = errors.New("invalid token")
	ErrPolicyViolation     = errors.New("password does not meet the password policy")
	ErrPasswordReused      = errors.New("password was used recently")
	ErrConflict            = errors.New("already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInternal            = errors.New("internal error")
	ErrTwoFactorRequired   = errors.New("two-factor verification required")
	ErrTwoFactorInvalid    = errors.New("invalid verification code")
	ErrTwoFactorAttempts   = errors.New("too many verification attempts")
	ErrUnknownPermission   = errors.New("unknown permission")
	ErrPolicyUnsatisfiable = password.ErrPolicyUnsatisfiable
)

// storeErr maps repository failures onto the service taxonomy. Anything
// that is not a not-found or conflict is an infrastructure failure.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || errors.Is(err, ErrNotFound)
}
