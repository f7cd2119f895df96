package token

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator checks a presented token string. An invalid token is a normal
// outcome reported through the sentinel errors in this package, not an
// infrastructure fault. expectedSubject may be empty.
type Validator interface {
	Validate(raw string, expectedSubject string) (*Claims, error)
}

// SymmetricValidator validates tokens this service minted itself.
type SymmetricValidator struct {
	codec *Codec
}

func NewSymmetricValidator(codec *Codec) *SymmetricValidator {
	return &SymmetricValidator{codec: codec}
}

func (v *SymmetricValidator) Validate(raw, expectedSubject string) (*Claims, error) {
	cl, err := v.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if expectedSubject != "" && cl.Subject != expectedSubject {
		return nil, ErrSubjectMismatch
	}
	return cl, nil
}

// ExternalIssuerValidator validates tokens minted by a third-party issuer.
// It additionally requires the configured issuer and audience claims.
type ExternalIssuerValidator struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	issuer   string
	audience string
	now      func() time.Time
}

func NewExternalIssuerValidator(keyfunc jwt.Keyfunc, methods []string, issuer, audience string, now func() time.Time) *ExternalIssuerValidator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if len(methods) == 0 {
		methods = []string{jwt.SigningMethodHS256.Alg()}
	}
	return &ExternalIssuerValidator{
		keyfunc:  keyfunc,
		methods:  methods,
		issuer:   issuer,
		audience: audience,
		now:      now,
	}
}

func (v *ExternalIssuerValidator) Validate(raw, expectedSubject string) (*Claims, error) {
	var cl Claims
	_, err := jwt.ParseWithClaims(raw, &cl, v.keyfunc,
		jwt.WithValidMethods(v.methods),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrNotYetValid
		default:
			return nil, ErrMalformed
		}
	}
	// The issuer string must match exactly; the audience claim must contain
	// the configured audience value. A missing claim fails the same way.
	if cl.Issuer != v.issuer {
		return nil, ErrBadIssuer
	}
	if !slices.Contains(cl.Audience, v.audience) {
		return nil, ErrBadAudience
	}
	if expectedSubject != "" && cl.Subject != expectedSubject {
		return nil, ErrSubjectMismatch
	}
	return &cl, nil
}
