package types

import "fmt"

// PaymentError carries a stable machine-readable code alongside the message.
type PaymentError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *PaymentError) Error() string {
	return e.Message
}

// Is matches by code so sentinel instances work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	return ok && t.Code == e.Code
}

// NewPaymentError builds a PaymentError with a formatted message.
func NewPaymentError(code, format string, args ...interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error codes surfaced by the engine.
const (
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeSessionRevoked      = "SESSION_REVOKED"
	ErrCodeSessionDepleted     = "SESSION_DEPLETED"
	ErrCodeSessionInsufficient = "INSUFFICIENT_SESSION_BALANCE"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeAutoTopupRequired   = "AUTO_TOPUP_REQUIRED"
	ErrCodeSigningRejected     = "SIGNING_REJECTED"
	ErrCodeInsufficientFunds   = "INSUFFICIENT_NATIVE_BALANCE"
	ErrCodePoolExhausted       = "RPC_POOL_EXHAUSTED"
	ErrCodePaymentRequired     = "PAYMENT_REQUIRED"
	ErrCodeInvalidHeader       = "INVALID_PAYMENT_HEADER"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeSubmissionFailed    = "SUBMISSION_FAILED"
	ErrCodeInvalidAmount       = "INVALID_AMOUNT"
	ErrCodeConfigError         = "CONFIG_ERROR"
)

// Sentinels for errors.Is checks.
var (
	ErrSessionNotFound     = &PaymentError{Code: ErrCodeSessionNotFound, Message: "payment session not found"}
	ErrSessionExpired      = &PaymentError{Code: ErrCodeSessionExpired, Message: "payment session expired"}
	ErrSessionRevoked      = &PaymentError{Code: ErrCodeSessionRevoked, Message: "payment session revoked"}
	ErrSessionDepleted     = &PaymentError{Code: ErrCodeSessionDepleted, Message: "payment session depleted"}
	ErrSessionInsufficient = &PaymentError{Code: ErrCodeSessionInsufficient, Message: "spend exceeds remaining session balance"}
	ErrInsufficientCredits = &PaymentError{Code: ErrCodeInsufficientCredits, Message: "insufficient credits"}
	ErrAutoTopupRequired   = &PaymentError{Code: ErrCodeAutoTopupRequired, Message: "auto-top-up required before spend"}
	ErrSigningRejected     = &PaymentError{Code: ErrCodeSigningRejected, Message: "payer declined to sign"}
	ErrInsufficientFunds   = &PaymentError{Code: ErrCodeInsufficientFunds, Message: "insufficient native balance"}
	ErrPoolExhausted       = &PaymentError{Code: ErrCodePoolExhausted, Message: "all rpc endpoints failed"}
	ErrPaymentRequired     = &PaymentError{Code: ErrCodePaymentRequired, Message: "payment required"}
	ErrInvalidAmount       = &PaymentError{Code: ErrCodeInvalidAmount, Message: "amount must be positive"}
)

// AutoTopupRequired signals that a spend needs a payer-signed top-up first.
// The ledger never executes payment on a payer's behalf; callers must prompt
// the payer, call TopUp, then retry the spend.
func AutoTopupRequired(suggested interface{}) *PaymentError {
	return &PaymentError{
		Code:    ErrCodeAutoTopupRequired,
		Message: "balance below auto-top-up threshold, top-up required before spend",
		Data:    suggested,
	}
}
