package ledger

import "errors"

// Rejections returned by ledger operations. A rejected operation never
// changes ledger or token state.
var (
	ErrNotFound              = errors.New("entitlement not found")
	ErrUnauthorized          = errors.New("caller not authorized")
	ErrInvalidTier           = errors.New("invalid tier")
	ErrInvalidDuration       = errors.New("invalid duration units")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrAlreadyProvisioned    = errors.New("entitlement already provisioned")
	ErrNotProvisioned        = errors.New("entitlement not provisioned")
	ErrEmptyInstanceIdentity = errors.New("instance id and network address are required")
	ErrExpired               = errors.New("entitlement expired")
	ErrGracePeriodElapsed    = errors.New("grace period elapsed")
	ErrPaymentFailed         = errors.New("payment capture failed")
	ErrPaused                = errors.New("ledger paused")
	ErrReentrantCall         = errors.New("operation already in progress")

	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrAmountOverflow        = errors.New("amount overflow")
)

// Order matters: ErrPaymentFailed wraps the token error, so it must match
// before the token sentinels.
var errorCodes = []struct {
	code string
	err  error
}{
	{"not_found", ErrNotFound},
	{"unauthorized", ErrUnauthorized},
	{"invalid_tier", ErrInvalidTier},
	{"invalid_duration", ErrInvalidDuration},
	{"invalid_address", ErrInvalidAddress},
	{"invalid_transition", ErrInvalidTransition},
	{"already_provisioned", ErrAlreadyProvisioned},
	{"not_provisioned", ErrNotProvisioned},
	{"empty_instance_identity", ErrEmptyInstanceIdentity},
	{"expired", ErrExpired},
	{"grace_period_elapsed", ErrGracePeriodElapsed},
	{"payment_failed", ErrPaymentFailed},
	{"paused", ErrPaused},
	{"reentrant_call", ErrReentrantCall},
	{"insufficient_balance", ErrInsufficientBalance},
	{"insufficient_allowance", ErrInsufficientAllowance},
	{"amount_overflow", ErrAmountOverflow},
}

// Code returns a stable machine-readable code for a ledger rejection, or
// "internal" for anything else.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorForCode maps a code produced by Code back to its sentinel. Unknown
// codes return nil.
func ErrorForCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// IsRejection reports whether err is a deterministic ledger rejection rather
// than a transport or internal failure.
func IsRejection(err error) bool {
	c := Code(err)
	return c != "" && c != "internal"
}
