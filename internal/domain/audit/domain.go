package audit

import "time"

// Event kinds emitted by the session lifecycle.
const (
	KindLoginSucceeded  = "login_succeeded"
	KindLoginFailed     = "login_failed"
	KindLoginPendingOTP = "login_pending_otp"
	KindOTPVerified     = "otp_verified"
	KindOTPRejected     = "otp_rejected"
	KindTokenRefreshed  = "token_refreshed"
	KindTokenRevoked    = "token_revoked"
	KindLogout          = "logout"
	KindRegistered      = "registered"
	KindPasswordChanged = "password_changed"
	KindPasswordReset   = "password_reset"
)

// Event is a security-relevant fact about a principal's session lifecycle.
// Subject is the principal email; it is the partition key so one principal's
// events stay ordered.
type Event struct {
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail,omitempty"`
}
