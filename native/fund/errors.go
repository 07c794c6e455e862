package fund

import "errors"

// Engine wiring errors. These indicate a misconfigured engine, not a policy
// violation: they are never surfaced to funders in normal operation.
var (
	errNilState  = errors.New("fund engine: state not configured")
	errNilPricer = errors.New("fund engine: price client not configured")
)

// Policy errors surfaced to callers. The RPC layer maps these to stable
// error codes, so tests and clients match with errors.Is rather than text.
var (
	// ErrBelowMinimum rejects contributions whose reference-unit value is
	// under the configured minimum. Nothing moves when it fires.
	ErrBelowMinimum = errors.New("fund: contribution below minimum")
	// ErrNotOwner rejects privileged operations from anyone but the owner.
	ErrNotOwner = errors.New("fund: caller is not the owner")
	// ErrInsufficientBalance rejects withdrawals exceeding the held value.
	// A release rejected by the transfer channel reports the same kind,
	// wrapping the channel's cause.
	ErrInsufficientBalance = errors.New("fund: insufficient vault balance")
	// ErrInvalidOracle rejects rotations to an unusable feed binding.
	ErrInvalidOracle = errors.New("fund: invalid oracle reference")
	// ErrIndexOutOfRange rejects roster reads past the populated range.
	ErrIndexOutOfRange = errors.New("fund: funder index out of range")
)
