package sessionpay

import (
	"net/http"

	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
)

// Engine errors. Each is deterministic given current state; callers must
// change the request rather than retry.
var (
	ErrInvalidProvider    = svcerrors.New(svcerrors.CodeInvalidProvider, "provider must be a non-zero address", http.StatusBadRequest)
	ErrInvalidToken       = svcerrors.New(svcerrors.CodeInvalidToken, "token must be a non-zero address", http.StatusBadRequest)
	ErrInvalidAmount      = svcerrors.New(svcerrors.CodeInvalidAmount, "amount must be positive", http.StatusBadRequest)
	ErrSessionExists      = svcerrors.New(svcerrors.CodeSessionExists, "session already exists", http.StatusConflict)
	ErrSessionNotFound    = svcerrors.New(svcerrors.CodeSessionNotFound, "session not found", http.StatusNotFound)
	ErrAlreadySettled     = svcerrors.New(svcerrors.CodeSessionAlreadySettled, "session already settled", http.StatusConflict)
	ErrOnlyProvider       = svcerrors.New(svcerrors.CodeOnlyProvider, "caller is not the session provider", http.StatusForbidden)
	ErrOnlyPayer          = svcerrors.New(svcerrors.CodeOnlyPayer, "caller is not the session payer", http.StatusForbidden)
	ErrUnauthorized       = svcerrors.New(svcerrors.CodeUnauthorized, "caller is not the owner", http.StatusForbidden)
	ErrRefundTooSoon      = svcerrors.New(svcerrors.CodeRefundTooSoon, "refund delay has not elapsed", http.StatusTooEarly)
	ErrRefundDelayTooLong = svcerrors.New(svcerrors.CodeRefundDelayTooLong, "refund delay exceeds 7 days", http.StatusBadRequest)
	ErrPaused             = svcerrors.New(svcerrors.CodePaused, "engine is paused", http.StatusServiceUnavailable)
	ErrInvalidOwner       = svcerrors.New(svcerrors.CodeInvalidOwner, "new owner must be a non-zero address", http.StatusBadRequest)
	ErrTransferFailed     = svcerrors.New(svcerrors.CodeTransferFailed, "token transfer failed", http.StatusUnprocessableEntity)
)

// Deterministic reports whether err is one of the engine's state-dependent
// rejections, which a caller must never retry blindly. A failed transfer only
// counts when the ledger itself rejected the movement.
func Deterministic(err error) bool {
	if se, ok := svcerrors.As(err); ok && se.Code == svcerrors.CodeTransferFailed {
		return ledgerRejection(se.Err)
	}
	switch svcerrors.CodeOf(err) {
	case svcerrors.CodeInvalidProvider, svcerrors.CodeInvalidToken, svcerrors.CodeInvalidAmount,
		svcerrors.CodeSessionExists, svcerrors.CodeSessionNotFound, svcerrors.CodeSessionAlreadySettled,
		svcerrors.CodeOnlyProvider, svcerrors.CodeOnlyPayer, svcerrors.CodeUnauthorized,
		svcerrors.CodeRefundTooSoon, svcerrors.CodeRefundDelayTooLong, svcerrors.CodePaused,
		svcerrors.CodeInvalidOwner, svcerrors.CodeValidation:
		return true
	default:
		return false
	}
}

func ledgerRejection(cause error) bool {
	if cause == nil {
		return false
	}
	switch svcerrors.CodeOf(cause) {
	case svcerrors.CodeInsufficientBalance, svcerrors.CodeInsufficientAllowance,
		svcerrors.CodeUnknownToken, svcerrors.CodeInvalidAmount, svcerrors.CodeNotTokenOwner:
		return true
	default:
		return false
	}
}
