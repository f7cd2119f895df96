package principal

import (
	"time"
)

const (
	RoleUser  = "ROLE_USER"
	RoleAdmin = "ROLE_ADMIN"
)

// Principal is the identity a request acts on behalf of. PasswordHash and
// OTPSecret never leave the service boundary.
type Principal struct {
	ID                 int64
	Email              string
	PasswordHash       string
	Roles              []string
	Enabled            bool
	Locked             bool
	OTPSecret          string
	OTPEnabled         bool
	EmailNotifications bool
	FirstName          string
	LastName           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Active reports whether the principal may authenticate at all.
func (p *Principal) Active() bool {
	return p.Enabled && !p.Locked
}
