package otp

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// DefaultPeriod is the TOTP time step in seconds.
const DefaultPeriod = 30

// Verifier derives and checks time-based one-time codes. Codes are never
// stored; they are a pure function of the secret and the clock.
type Verifier struct {
	issuer string
	period uint
	skew   uint
	now    func() time.Time
}

// NewVerifier configures a 6-digit SHA-1 TOTP verifier. skew is the number of
// adjacent time steps tolerated on verification; at least 1 keeps moderate
// client clock drift from rejecting valid codes.
func NewVerifier(issuer string, period uint, skew uint, now func() time.Time) *Verifier {
	if period == 0 {
		period = DefaultPeriod
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Verifier{issuer: issuer, period: period, skew: skew, now: now}
}

func (v *Verifier) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    v.period,
		Skew:      v.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateSecret mints a fresh per-principal secret. Returns the base32
// secret and the otpauth:// URL for authenticator-app enrollment.
func (v *Verifier) GenerateSecret(accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: accountName,
		Period:      v.period,
		SecretSize:  20,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate otp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// CurrentCode derives the code for the current time step.
func (v *Verifier) CurrentCode(secret string) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, v.now(), v.opts())
	if err != nil {
		return "", fmt.Errorf("derive otp code: %w", err)
	}
	return code, nil
}

// Verify checks candidate against the current and adjacent time steps.
// Any malformed input is a non-match.
func (v *Verifier) Verify(secret, candidate string) bool {
	ok, err := totp.ValidateCustom(candidate, secret, v.now(), v.opts())
	return err == nil && ok
}
