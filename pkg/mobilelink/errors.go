package mobilelink

import (
	"errors"
	"fmt"
	"strings"
)

// AuthCode classifies why Mobile Link refused a login or a request.
type AuthCode string

const (
	CodeInvalidCredentials    AuthCode = "invalid_credentials"
	CodePasswordResetRequired AuthCode = "password_reset_required"
	CodeAccountLocked         AuthCode = "account_locked"
	CodeBotBlock              AuthCode = "bot_block"
	CodeAccessDenied          AuthCode = "access_denied"
	CodeSessionExpired        AuthCode = "session_expired"
	CodeUnknown               AuthCode = "unknown"
)

// ErrAuthExpired means the session can no longer be used and only the user
// can fix it by providing new credentials or a new cookie.
var ErrAuthExpired = errors.New("mobile link session expired, reauthentication required")

// AuthError is returned for every authorization failure. It matches ErrAuth
// with errors.Is.
type AuthError struct {
	Code    AuthCode
	Status  int
	Message string
	// Body is the start of the response for troubleshooting
	Body string
}

func (e *AuthError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: %s. Body starts: %q", e.Code, e.Message, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes errors.Is(err, ErrAuth) true.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// Short is a one line reason suitable for showing to a user.
func (e *AuthError) Short() string {
	switch e.Code {
	case CodeInvalidCredentials:
		return "invalid email or password"
	case CodePasswordResetRequired:
		return "password reset required"
	case CodeAccountLocked:
		return "account locked"
	case CodeBotBlock:
		return "blocked by bot protection"
	case CodeAccessDenied:
		return "access denied"
	case CodeSessionExpired:
		return "session expired"
	default:
		return "login failed"
	}
}

// Detail is the longer explanation that goes into logs.
func (e *AuthError) Detail() string {
	if e.Body != "" {
		return e.Message + " (body starts: " + e.Body + ")"
	}
	return e.Message
}

// AsAuthError unwraps err into an *AuthError if there is one.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func codeForStatus(status int, body []byte) AuthCode {
	if status == 403 {
		return codeForBody(body, CodeAccessDenied)
	}
	return CodeSessionExpired
}

// codeForBody looks for bot protection pages, which are served in place of
// both the sign-in page and API responses.
func codeForBody(body []byte, fallback AuthCode) AuthCode {
	lower := strings.ToLower(string(body))
	switch {
	case strings.Contains(lower, "captcha"),
		strings.Contains(lower, "incapsula"),
		strings.Contains(lower, "are you a robot"),
		strings.Contains(lower, "bot detection"):
		return CodeBotBlock
	case strings.Contains(lower, "access denied"):
		return CodeAccessDenied
	default:
		return fallback
	}
}

// codeForLoginMessage maps the message returned by the self asserted sign-in
// step onto a code.
func codeForLoginMessage(msg string) AuthCode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "password is incorrect"),
		strings.Contains(lower, "invalid username or password"),
		strings.Contains(lower, "invalid email or password"),
		strings.Contains(lower, "can't seem to find your account"),
		strings.Contains(lower, "cannot find your account"):
		return CodeInvalidCredentials
	case strings.Contains(lower, "password has expired"),
		strings.Contains(lower, "reset your password"),
		strings.Contains(lower, "must change your password"):
		return CodePasswordResetRequired
	case strings.Contains(lower, "locked"):
		return CodeAccountLocked
	case strings.Contains(lower, "captcha"),
		strings.Contains(lower, "suspicious"):
		return CodeBotBlock
	case strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not authorized"):
		return CodeAccessDenied
	default:
		return CodeUnknown
	}
}
