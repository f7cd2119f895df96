package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token purpose claim values. A token minted for one purpose is never
// accepted for another.
const (
	PurposeAccess        = "access"
	PurposeRefresh       = "refresh"
	PurposeOTPPending    = "otp_pending"
	PurposePasswordReset = "password_reset"
)

// MinKeyLen is the minimum HMAC signing key length in bytes.
const MinKeyLen = 32

var (
	ErrKeyTooShort     = errors.New("signing key must be at least 32 bytes")
	ErrMalformed       = errors.New("token malformed or signature invalid")
	ErrExpired         = errors.New("token expired")
	ErrNotYetValid     = errors.New("token not yet valid")
	ErrBadIssuer       = errors.New("token issuer mismatch")
	ErrBadAudience     = errors.New("token audience mismatch")
	ErrSubjectMismatch = errors.New("token subject mismatch")
	ErrWrongPurpose    = errors.New("token purpose mismatch")
)

// Claims is the signed claim set carried by every token the service mints.
// Roles are a snapshot taken at issuance time.
type Claims struct {
	Roles   []string `json:"roles,omitempty"`
	Purpose string   `json:"purpose"`
	jwt.RegisteredClaims
}

type Codec struct {
	key []byte
	now func() time.Time
}

// NewCodec fails when the key is shorter than MinKeyLen; callers treat that
// as a fatal configuration error.
func NewCodec(key []byte, now func() time.Time) (*Codec, error) {
	if len(key) < MinKeyLen {
		return nil, ErrKeyTooShort
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Codec{key: key, now: now}, nil
}

func (c *Codec) Issue(subject string, roles []string, purpose string, ttl time.Duration) (string, error) {
	now := c.now()
	return c.IssueClaims(Claims{
		Roles:   roles,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// IssueClaims signs an explicit claim set. Used where the caller needs
// control over NotBefore or other registered claims.
func (c *Codec) IssueClaims(cl Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature before trusting any claim. For a token whose
// signature is valid but which is expired, the parsed claims are returned
// alongside ErrExpired so callers such as logout can still read the expiry.
func (c *Codec) Decode(raw string) (*Claims, error) {
	var cl Claims
	_, err := jwt.ParseWithClaims(raw, &cl,
		func(t *jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	if err == nil {
		return &cl, nil
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &cl, ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, ErrNotYetValid
	default:
		return nil, ErrMalformed
	}
}
