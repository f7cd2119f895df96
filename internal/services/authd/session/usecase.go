package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sebastianhamm/kapelle-auth/internal/domain/audit"
	"github.com/sebastianhamm/kapelle-auth/internal/domain/principal"
	"github.com/sebastianhamm/kapelle-auth/internal/mail"
	"github.com/sebastianhamm/kapelle-auth/internal/otp"
	"github.com/sebastianhamm/kapelle-auth/internal/password"
	"github.com/sebastianhamm/kapelle-auth/internal/revocation"
	"github.com/sebastianhamm/kapelle-auth/internal/token"
)

var (
	// ErrInvalidCredentials is deliberately generic: callers cannot tell an
	// unknown email from a wrong password or a disabled account.
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrOTPInvalid            = errors.New("invalid one-time code")
	ErrOTPNotEnabled         = errors.New("one-time codes not enabled")
	ErrEmailExists           = errors.New("email already registered")
	ErrWeakPassword          = errors.New("password is too weak")
	ErrTokenRevoked          = errors.New("token revoked")
	ErrRevocationUnavailable = errors.New("revocation store unavailable, try again")
)

type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	PendingTTL    time.Duration
	ResetTTL      time.Duration
	RotateRefresh bool
	Now           func() time.Time
}

type TokenPair struct {
	Access           string
	Refresh          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is either a token pair or a pending-OTP challenge, never both.
type LoginResult struct {
	Principal    *principal.Principal
	Pair         *TokenPair
	PendingOTP   bool
	PendingToken string
}

type Usecase struct {
	principals  principal.Repo
	codec       *token.Codec
	validator   token.Validator
	hasher      *password.Hasher
	otp         *otp.Verifier
	revocations revocation.Store
	mailer      mail.Mailer
	audit       audit.Publisher
	log         *zap.Logger
	cfg         Config
}

func NewUsecase(
	principals principal.Repo,
	codec *token.Codec,
	validator token.Validator,
	hasher *password.Hasher,
	verifier *otp.Verifier,
	revocations revocation.Store,
	mailer mail.Mailer,
	auditor audit.Publisher,
	log *zap.Logger,
	cfg Config,
) *Usecase {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Usecase{
		principals:  principals,
		codec:       codec,
		validator:   validator,
		hasher:      hasher,
		otp:         verifier,
		revocations: revocations,
		mailer:      mailer,
		audit:       auditor,
		log:         log,
		cfg:         cfg,
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Login verifies credentials and, when the principal has OTP enabled and no
// code was supplied, answers with a short-lived pending token instead of a
// session. The pending token is the only accepted anchor for the follow-up
// OTP verification, so an OTP submission alone can never mint a session.
func (u *Usecase) Login(ctx context.Context, email, passwd, otpCode string) (*LoginResult, error) {
	email = normalizeEmail(email)

	p, err := u.principals.GetByEmail(ctx, email)
	if err != nil {
		// Burn a hash comparison so the miss costs as much as a wrong
		// password and response timing leaks nothing about which it was.
		u.hasher.VerifyDummy(passwd)
		return nil, ErrInvalidCredentials
	}
	if !p.Active() || !u.hasher.Verify(passwd, p.PasswordHash) {
		u.publish(ctx, audit.KindLoginFailed, email, "")
		return nil, ErrInvalidCredentials
	}

	if p.OTPEnabled {
		if otpCode == "" {
			pending, err := u.codec.Issue(p.Email, nil, token.PurposeOTPPending, u.cfg.PendingTTL)
			if err != nil {
				return nil, fmt.Errorf("issue pending token: %w", err)
			}
			u.publish(ctx, audit.KindLoginPendingOTP, email, "")
			return &LoginResult{Principal: p, PendingOTP: true, PendingToken: pending}, nil
		}
		if !u.otp.Verify(p.OTPSecret, otpCode) {
			u.publish(ctx, audit.KindOTPRejected, email, "")
			return nil, ErrOTPInvalid
		}
	}

	pair, err := u.issuePair(p)
	if err != nil {
		return nil, err
	}
	u.publish(ctx, audit.KindLoginSucceeded, email, "")
	return &LoginResult{Principal: p, Pair: pair}, nil
}

// VerifyOTP completes a pending login. The pending token proves the password
// check already passed for this subject.
func (u *Usecase) VerifyOTP(ctx context.Context, pendingToken, code string) (*LoginResult, error) {
	cl, err := u.codec.Decode(pendingToken)
	if err != nil || cl.Purpose != token.PurposeOTPPending {
		return nil, ErrInvalidCredentials
	}

	p, err := u.principals.GetByEmail(ctx, cl.Subject)
	if err != nil || !p.Active() {
		return nil, ErrInvalidCredentials
	}
	if !p.OTPEnabled {
		return nil, ErrOTPNotEnabled
	}
	if !u.otp.Verify(p.OTPSecret, code) {
		u.publish(ctx, audit.KindOTPRejected, p.Email, "")
		return nil, ErrOTPInvalid
	}

	pair, err := u.issuePair(p)
	if err != nil {
		return nil, err
	}
	u.publish(ctx, audit.KindOTPVerified, p.Email, "")
	return &LoginResult{Principal: p, Pair: pair}, nil
}

// Refresh exchanges a valid, unrevoked refresh token for a new pair. The used
// token is revoked for its remaining lifetime, so each refresh token works at
// most once. A revocation-store outage fails closed.
func (u *Usecase) Refresh(ctx context.Context, raw string) (*LoginResult, error) {
	if raw == "" {
		return nil, ErrInvalidCredentials
	}

	cl, err := u.validator.Validate(raw, "")
	if err != nil {
		return nil, err
	}
	if cl.Purpose != token.PurposeRefresh {
		return nil, token.ErrWrongPurpose
	}

	revoked, err := u.revocations.IsRevoked(ctx, raw)
	if err != nil {
		u.log.Warn("revocation lookup failed", zap.Error(err))
		return nil, ErrRevocationUnavailable
	}
	if revoked {
		u.publish(ctx, audit.KindTokenRevoked, cl.Subject, "refresh replay")
		return nil, ErrTokenRevoked
	}

	// Roles come from the store, not the token snapshot, so role changes
	// take effect on the next refresh.
	p, err := u.principals.GetByEmail(ctx, cl.Subject)
	if err != nil || !p.Active() {
		return nil, ErrInvalidCredentials
	}

	if u.cfg.RotateRefresh {
		if err := u.revocations.Revoke(ctx, raw, cl.ExpiresAt.Time); err != nil {
			u.log.Warn("refresh rotation revoke failed", zap.Error(err))
			return nil, ErrRevocationUnavailable
		}
	}

	pair, err := u.issuePair(p)
	if err != nil {
		return nil, err
	}
	u.publish(ctx, audit.KindTokenRefreshed, p.Email, "")
	return &LoginResult{Principal: p, Pair: pair}, nil
}

// Logout revokes the presented refresh token for its remaining lifetime.
// A token that is already expired or unreadable needs no entry.
func (u *Usecase) Logout(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	cl, err := u.codec.Decode(raw)
	if err != nil || cl.ExpiresAt == nil {
		return nil
	}
	if err := u.revocations.Revoke(ctx, raw, cl.ExpiresAt.Time); err != nil {
		u.log.Warn("logout revoke failed", zap.Error(err))
		return ErrRevocationUnavailable
	}
	u.publish(ctx, audit.KindLogout, cl.Subject, "")
	return nil
}

type RegisterInput struct {
	Email      string
	FirstName  string
	LastName   string
	Roles      []string
	OTPEnabled bool
}

// Register creates a principal with a generated temporary password and a
// fresh OTP secret, then mails setup instructions.
func (u *Usecase) Register(ctx context.Context, in RegisterInput) (*principal.Principal, error) {
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email %q", in.Email)
	}
	roles := in.Roles
	if len(roles) == 0 {
		roles = []string{principal.RoleUser}
	}

	tempPassword, err := randomSecret(16)
	if err != nil {
		return nil, fmt.Errorf("generate temp password: %w", err)
	}
	hash, err := u.hasher.Hash(tempPassword)
	if err != nil {
		return nil, err
	}

	secret, _, err := u.otp.GenerateSecret(email)
	if err != nil {
		return nil, err
	}

	p := &principal.Principal{
		Email:              email,
		PasswordHash:       hash,
		Roles:              roles,
		Enabled:            true,
		OTPSecret:          secret,
		OTPEnabled:         in.OTPEnabled,
		EmailNotifications: true,
		FirstName:          in.FirstName,
		LastName:           in.LastName,
	}
	if err := u.principals.Create(ctx, p); err != nil {
		if errors.Is(err, principal.ErrConflict) {
			return nil, ErrEmailExists
		}
		return nil, err
	}

	if err := u.mailer.SendWelcome(ctx, p, tempPassword); err != nil {
		u.log.Warn("welcome mail failed", zap.String("email", email), zap.Error(err))
	}
	u.publish(ctx, audit.KindRegistered, email, "")
	return p, nil
}

func (u *Usecase) ChangePassword(ctx context.Context, email, current, next string) error {
	if len(next) < 8 {
		return ErrWeakPassword
	}
	p, err := u.principals.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return ErrInvalidCredentials
	}
	if !u.hasher.Verify(current, p.PasswordHash) {
		return ErrInvalidCredentials
	}
	hash, err := u.hasher.Hash(next)
	if err != nil {
		return err
	}
	p.PasswordHash = hash
	if err := u.principals.Update(ctx, p); err != nil {
		return err
	}
	u.publish(ctx, audit.KindPasswordChanged, p.Email, "")
	return nil
}

// RequestPasswordReset mails a purpose-restricted reset token. An unknown
// email is reported as success so the endpoint is not an existence oracle.
func (u *Usecase) RequestPasswordReset(ctx context.Context, email string) error {
	p, err := u.principals.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil
	}
	reset, err := u.codec.Issue(p.Email, nil, token.PurposePasswordReset, u.cfg.ResetTTL)
	if err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}
	if err := u.mailer.SendPasswordReset(ctx, p, reset); err != nil {
		u.log.Warn("reset mail failed", zap.String("email", p.Email), zap.Error(err))
	}
	return nil
}

// ResetPassword consumes a reset token: it is checked against the revocation
// store and revoked on success, so each token works exactly once.
func (u *Usecase) ResetPassword(ctx context.Context, rawToken, next string) error {
	if len(next) < 8 {
		return ErrWeakPassword
	}
	cl, err := u.codec.Decode(rawToken)
	if err != nil || cl.Purpose != token.PurposePasswordReset {
		return ErrInvalidCredentials
	}

	used, err := u.revocations.IsRevoked(ctx, rawToken)
	if err != nil {
		return ErrRevocationUnavailable
	}
	if used {
		return ErrInvalidCredentials
	}

	p, err := u.principals.GetByEmail(ctx, cl.Subject)
	if err != nil {
		return ErrInvalidCredentials
	}
	hash, err := u.hasher.Hash(next)
	if err != nil {
		return err
	}
	p.PasswordHash = hash
	if err := u.principals.Update(ctx, p); err != nil {
		return err
	}
	if err := u.revocations.Revoke(ctx, rawToken, cl.ExpiresAt.Time); err != nil {
		u.log.Warn("reset token revoke failed", zap.Error(err))
	}
	u.publish(ctx, audit.KindPasswordReset, p.Email, "")
	return nil
}

// ToggleOTP enables or disables the second factor. The first enablement
// mints a secret; the returned URL is the otpauth:// enrollment link.
func (u *Usecase) ToggleOTP(ctx context.Context, email string, enabled bool) (*principal.Principal, string, error) {
	p, err := u.principals.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, "", ErrInvalidCredentials
	}
	var url string
	if enabled && p.OTPSecret == "" {
		secret, enrollURL, err := u.otp.GenerateSecret(p.Email)
		if err != nil {
			return nil, "", err
		}
		p.OTPSecret = secret
		url = enrollURL
	}
	p.OTPEnabled = enabled
	if err := u.principals.Update(ctx, p); err != nil {
		return nil, "", err
	}
	return p, url, nil
}

// RequestOTPCode mails the current code. Always reports success to avoid an
// existence oracle.
func (u *Usecase) RequestOTPCode(ctx context.Context, email string) error {
	p, err := u.principals.GetByEmail(ctx, normalizeEmail(email))
	if err != nil || !p.OTPEnabled {
		return nil
	}
	code, err := u.otp.CurrentCode(p.OTPSecret)
	if err != nil {
		return fmt.Errorf("derive otp code: %w", err)
	}
	if err := u.mailer.SendOTPCode(ctx, p, code); err != nil {
		u.log.Warn("otp mail failed", zap.String("email", p.Email), zap.Error(err))
	}
	return nil
}

func (u *Usecase) issuePair(p *principal.Principal) (*TokenPair, error) {
	now := u.cfg.Now()
	access, err := u.codec.Issue(p.Email, p.Roles, token.PurposeAccess, u.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := u.codec.Issue(p.Email, p.Roles, token.PurposeRefresh, u.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &TokenPair{
		Access:           access,
		Refresh:          refresh,
		AccessExpiresAt:  now.Add(u.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(u.cfg.RefreshTTL),
	}, nil
}

func (u *Usecase) publish(ctx context.Context, kind, subject, detail string) {
	ev := audit.Event{Kind: kind, Subject: subject, At: u.cfg.Now(), Detail: detail}
	if err := u.audit.Publish(ctx, ev); err != nil {
		u.log.Warn("audit publish failed", zap.String("kind", kind), zap.Error(err))
	}
}

func randomSecret(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
