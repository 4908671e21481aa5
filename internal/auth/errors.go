package auth

import "errors"

// Code is the external, caller-visible error taxonomy. INVALID_CREDENTIALS
// deliberately unifies "user not found" and "wrong password"; ACCOUNT_LOCKED
// is the one distinguishable failure, since the account's existence is already
// implied by prior tenant and user resolution.
type Code string

const (
	CodeMissingCredentials Code = "MISSING_CREDENTIALS"
	CodeMissingAPIToken    Code = "MISSING_API_TOKEN"
	CodeInvalidAPIToken    Code = "INVALID_API_TOKEN"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"
	CodeSystemError        Code = "SYSTEM_ERROR"
)

// Message returns the generic caller-facing text for a code. The text never
// varies with the internal reason.
func (c Code) Message() string {
	switch c {
	case CodeMissingCredentials:
		return "username and password are required"
	case CodeMissingAPIToken:
		return "api token is required"
	case CodeInvalidAPIToken:
		return "invalid api token"
	case CodeInvalidCredentials:
		return "invalid credentials"
	case CodeAccountLocked:
		return "account temporarily locked"
	case CodeSystemError:
		return "internal error"
	default:
		return "internal error"
	}
}

var (
	ErrInvalidToken       = errors.New("auth: invalid api token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrSessionInvalid     = errors.New("auth: session invalid")
)
