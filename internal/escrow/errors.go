package escrow

import "errors"

// Kind classifies an engine failure so transports can map it without
// enumerating every sentinel.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindTransfer      Kind = "transfer"
	KindNotFound      Kind = "not_found"
)

// Error is a typed engine failure. Two Errors match under errors.Is when
// their codes are equal, so wrapped copies still match the sentinels below.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// wrap returns a copy of the sentinel carrying cause.
func (e *Error) wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidAmount      = newError(KindValidation, "invalid_amount", "fiat and settlement amounts must be greater than zero")
	ErrInsufficientFee    = newError(KindValidation, "insufficient_fee", "fee payment is below the platform fee")
	ErrInvalidAddress     = newError(KindValidation, "invalid_address", "invalid address")
	ErrInvalidProofFormat = newError(KindValidation, "invalid_proof_format", "proof token must be exactly 12 decimal digits")

	ErrSelfCommit = newError(KindAuthorization, "self_commit", "requester cannot commit to their own request")
	ErrNotHolder  = newError(KindAuthorization, "not_holder", "caller does not hold the commitment")
	ErrNotOwner   = newError(KindAuthorization, "not_owner", "only the requester can cancel this request")

	ErrExpired                = newError(KindState, "expired", "request has expired")
	ErrCommitmentActive       = newError(KindState, "commitment_active", "another commitment is still active")
	ErrAlreadyHeldBySameParty = newError(KindState, "already_held_by_same_party", "caller already held the lapsed commitment")
	ErrNotCommittable         = newError(KindState, "not_committable", "request cannot be committed in its current state")
	ErrNotCommitted           = newError(KindState, "not_committed", "request is not committed")
	ErrCommitmentTimedOut     = newError(KindState, "commitment_timed_out", "commitment window has elapsed")
	ErrNotCancellable         = newError(KindState, "not_cancellable", "request cannot be cancelled in its current state")
	ErrNotExpirable           = newError(KindState, "not_expirable", "request cannot be expired in its current state")
	ErrNotYetExpired          = newError(KindState, "not_yet_expired", "request has not reached its expiry time")
	ErrDuplicateID            = newError(KindState, "duplicate_id", "request id already exists")
	ErrTransferInProgress     = newError(KindState, "transfer_in_progress", "a custody transfer for this request is in progress")

	ErrAssetTransferFailed = newError(KindTransfer, "asset_transfer_failed", "deposit into custody failed")
	ErrPayoutFailed        = newError(KindTransfer, "payout_failed", "release from custody failed")

	ErrNotFound = newError(KindNotFound, "not_found", "request not found")
)

// KindOf returns the Kind of an engine error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the stable code of an engine error, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}
