package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sebastianhamm/kapelle-auth/internal/domain/audit"
	"github.com/sebastianhamm/kapelle-auth/internal/domain/principal"
	"github.com/sebastianhamm/kapelle-auth/internal/otp"
	"github.com/sebastianhamm/kapelle-auth/internal/password"
	"github.com/sebastianhamm/kapelle-auth/internal/token"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type memRepo struct {
	byEmail map[string]*principal.Principal
	nextID  int64
}

func newMemRepo() *memRepo {
	return &memRepo{byEmail: map[string]*principal.Principal{}, nextID: 1}
}

func (r *memRepo) Create(_ context.Context, p *principal.Principal) error {
	if _, ok := r.byEmail[p.Email]; ok {
		return principal.ErrConflict
	}
	p.ID = r.nextID
	r.nextID++
	cp := *p
	r.byEmail[p.Email] = &cp
	return nil
}

func (r *memRepo) GetByEmail(_ context.Context, email string) (*principal.Principal, error) {
	p, ok := r.byEmail[email]
	if !ok {
		return nil, principal.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (*principal.Principal, error) {
	for _, p := range r.byEmail {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, principal.ErrNotFound
}

func (r *memRepo) Update(_ context.Context, p *principal.Principal) error {
	if _, ok := r.byEmail[p.Email]; !ok {
		return principal.ErrNotFound
	}
	cp := *p
	r.byEmail[p.Email] = &cp
	return nil
}

type memRevocations struct {
	revoked map[string]time.Time
	down    bool
}

func newMemRevocations() *memRevocations {
	return &memRevocations{revoked: map[string]time.Time{}}
}

func (s *memRevocations) Revoke(_ context.Context, tokenValue string, expiresAt time.Time) error {
	if s.down {
		return assert.AnError
	}
	s.revoked[tokenValue] = expiresAt
	return nil
}

func (s *memRevocations) IsRevoked(_ context.Context, tokenValue string) (bool, error) {
	if s.down {
		return false, assert.AnError
	}
	_, ok := s.revoked[tokenValue]
	return ok, nil
}

type sentMail struct {
	kind    string
	email   string
	payload string
}

type captureMailer struct {
	sent []sentMail
}

func (m *captureMailer) SendWelcome(_ context.Context, p *principal.Principal, tempPassword string) error {
	m.sent = append(m.sent, sentMail{"welcome", p.Email, tempPassword})
	return nil
}

func (m *captureMailer) SendOTPCode(_ context.Context, p *principal.Principal, code string) error {
	m.sent = append(m.sent, sentMail{"otp", p.Email, code})
	return nil
}

func (m *captureMailer) SendPasswordReset(_ context.Context, p *principal.Principal, resetToken string) error {
	m.sent = append(m.sent, sentMail{"reset", p.Email, resetToken})
	return nil
}

type captureAudit struct {
	events []audit.Event
}

func (a *captureAudit) Publish(_ context.Context, ev audit.Event) error {
	a.events = append(a.events, ev)
	return nil
}

func (a *captureAudit) kinds() []string {
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	uc          *Usecase
	repo        *memRepo
	revocations *memRevocations
	mailer      *captureMailer
	audit       *captureAudit
	codec       *token.Codec
	verifier    *otp.Verifier
	hasher      *password.Hasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := func() time.Time { return fixedNow }

	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), now)
	require.NoError(t, err)

	hasher, err := password.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		repo:        newMemRepo(),
		revocations: newMemRevocations(),
		mailer:      &captureMailer{},
		audit:       &captureAudit{},
		codec:       codec,
		verifier:    otp.NewVerifier("kapelle-test", 30, 1, now),
		hasher:      hasher,
	}
	f.uc = NewUsecase(
		f.repo, codec, token.NewSymmetricValidator(codec), hasher, f.verifier,
		f.revocations, f.mailer, f.audit, nil,
		Config{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			PendingTTL:    5 * time.Minute,
			ResetTTL:      30 * time.Minute,
			RotateRefresh: true,
			Now:           now,
		},
	)
	return f
}

func (f *fixture) addPrincipal(t *testing.T, email, passwd string, mutate func(*principal.Principal)) *principal.Principal {
	t.Helper()
	hash, err := f.hasher.Hash(passwd)
	require.NoError(t, err)
	p := &principal.Principal{
		Email:        email,
		PasswordHash: hash,
		Roles:        []string{principal.RoleUser},
		Enabled:      true,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, f.repo.Create(context.Background(), p))
	return p
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("success issues pair", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		res, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		require.NoError(t, err)
		require.NotNil(t, res.Pair)
		assert.False(t, res.PendingOTP)

		cl, err := f.codec.Decode(res.Pair.Access)
		require.NoError(t, err)
		assert.Equal(t, token.PurposeAccess, cl.Purpose)
		assert.Equal(t, "anna@example.com", cl.Subject)
		assert.Equal(t, []string{principal.RoleUser}, cl.Roles)

		cl, err = f.codec.Decode(res.Pair.Refresh)
		require.NoError(t, err)
		assert.Equal(t, token.PurposeRefresh, cl.Purpose)

		assert.Contains(t, f.audit.kinds(), audit.KindLoginSucceeded)
	})

	t.Run("email is normalized", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		res, err := f.uc.Login(ctx, "  ANNA@Example.Com ", "s3cret-pass", "")
		require.NoError(t, err)
		assert.Equal(t, "anna@example.com", res.Principal.Email)
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		_, err := f.uc.Login(ctx, "anna@example.com", "wrong", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Contains(t, f.audit.kinds(), audit.KindLoginFailed)
	})

	t.Run("unknown email", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.uc.Login(ctx, "nobody@example.com", "whatever", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("locked account", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", func(p *principal.Principal) {
			p.Locked = true
		})
		_, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("disabled account", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", func(p *principal.Principal) {
			p.Enabled = false
		})
		_, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestLoginWithOTP(t *testing.T) {
	ctx := context.Background()

	enroll := func(t *testing.T, f *fixture) string {
		secret, _, err := f.verifier.GenerateSecret("anna@example.com")
		require.NoError(t, err)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", func(p *principal.Principal) {
			p.OTPSecret = secret
			p.OTPEnabled = true
		})
		return secret
	}

	t.Run("no code yields pending challenge without tokens", func(t *testing.T) {
		f := newFixture(t)
		enroll(t, f)

		res, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		require.NoError(t, err)
		assert.True(t, res.PendingOTP)
		assert.Nil(t, res.Pair)
		require.NotEmpty(t, res.PendingToken)

		cl, err := f.codec.Decode(res.PendingToken)
		require.NoError(t, err)
		assert.Equal(t, token.PurposeOTPPending, cl.Purpose)
		assert.Contains(t, f.audit.kinds(), audit.KindLoginPendingOTP)
	})

	t.Run("inline code completes login", func(t *testing.T) {
		f := newFixture(t)
		secret := enroll(t, f)
		code, err := f.verifier.CurrentCode(secret)
		require.NoError(t, err)

		res, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", code)
		require.NoError(t, err)
		require.NotNil(t, res.Pair)
	})

	t.Run("bad inline code", func(t *testing.T) {
		f := newFixture(t)
		enroll(t, f)
		_, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "000000")
		assert.ErrorIs(t, err, ErrOTPInvalid)
	})
}

func TestVerifyOTP(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, string, string) {
		f := newFixture(t)
		secret, _, err := f.verifier.GenerateSecret("anna@example.com")
		require.NoError(t, err)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", func(p *principal.Principal) {
			p.OTPSecret = secret
			p.OTPEnabled = true
		})
		res, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		require.NoError(t, err)
		require.True(t, res.PendingOTP)
		return f, res.PendingToken, secret
	}

	t.Run("pending token plus code yields session", func(t *testing.T) {
		f, pending, secret := setup(t)
		code, err := f.verifier.CurrentCode(secret)
		require.NoError(t, err)

		res, err := f.uc.VerifyOTP(ctx, pending, code)
		require.NoError(t, err)
		require.NotNil(t, res.Pair)
		assert.Contains(t, f.audit.kinds(), audit.KindOTPVerified)
	})

	t.Run("wrong code", func(t *testing.T) {
		f, pending, _ := setup(t)
		_, err := f.uc.VerifyOTP(ctx, pending, "000000")
		assert.ErrorIs(t, err, ErrOTPInvalid)
	})

	t.Run("access token is not a pending token", func(t *testing.T) {
		f, _, secret := setup(t)
		code, err := f.verifier.CurrentCode(secret)
		require.NoError(t, err)

		access, err := f.codec.Issue("anna@example.com", nil, token.PurposeAccess, time.Minute)
		require.NoError(t, err)

		_, err = f.uc.VerifyOTP(ctx, access, code)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("garbage pending token", func(t *testing.T) {
		f, _, _ := setup(t)
		_, err := f.uc.VerifyOTP(ctx, "not-a-token", "000000")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	login := func(t *testing.T, f *fixture) *TokenPair {
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)
		res, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		require.NoError(t, err)
		return res.Pair
	}

	t.Run("valid refresh rotates the pair", func(t *testing.T) {
		f := newFixture(t)
		pair := login(t, f)

		res, err := f.uc.Refresh(ctx, pair.Refresh)
		require.NoError(t, err)
		require.NotNil(t, res.Pair)
		assert.NotEqual(t, pair.Refresh, res.Pair.Refresh)

		// The spent token is now blacklisted.
		_, err = f.uc.Refresh(ctx, pair.Refresh)
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})

	t.Run("roles are re-read from the store", func(t *testing.T) {
		f := newFixture(t)
		pair := login(t, f)

		p := f.repo.byEmail["anna@example.com"]
		p.Roles = []string{principal.RoleUser, principal.RoleAdmin}

		res, err := f.uc.Refresh(ctx, pair.Refresh)
		require.NoError(t, err)

		cl, err := f.codec.Decode(res.Pair.Access)
		require.NoError(t, err)
		assert.Equal(t, []string{principal.RoleUser, principal.RoleAdmin}, cl.Roles)
	})

	t.Run("access token is rejected", func(t *testing.T) {
		f := newFixture(t)
		pair := login(t, f)
		_, err := f.uc.Refresh(ctx, pair.Access)
		assert.ErrorIs(t, err, token.ErrWrongPurpose)
	})

	t.Run("empty token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.uc.Refresh(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("store outage fails closed", func(t *testing.T) {
		f := newFixture(t)
		pair := login(t, f)
		f.revocations.down = true
		_, err := f.uc.Refresh(ctx, pair.Refresh)
		assert.ErrorIs(t, err, ErrRevocationUnavailable)
	})

	t.Run("deactivated principal cannot refresh", func(t *testing.T) {
		f := newFixture(t)
		pair := login(t, f)
		f.repo.byEmail["anna@example.com"].Enabled = false
		_, err := f.uc.Refresh(ctx, pair.Refresh)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("revokes the refresh token", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)
		res, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		require.NoError(t, err)

		require.NoError(t, f.uc.Logout(ctx, res.Pair.Refresh))

		_, err = f.uc.Refresh(ctx, res.Pair.Refresh)
		assert.ErrorIs(t, err, ErrTokenRevoked)
		assert.Contains(t, f.audit.kinds(), audit.KindLogout)
	})

	t.Run("unreadable token is a no-op", func(t *testing.T) {
		f := newFixture(t)
		assert.NoError(t, f.uc.Logout(ctx, "garbage"))
		assert.Empty(t, f.revocations.revoked)
	})

	t.Run("empty token is a no-op", func(t *testing.T) {
		f := newFixture(t)
		assert.NoError(t, f.uc.Logout(ctx, ""))
	})

	t.Run("store outage is reported", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)
		res, err := f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		require.NoError(t, err)

		f.revocations.down = true
		assert.ErrorIs(t, f.uc.Logout(ctx, res.Pair.Refresh), ErrRevocationUnavailable)
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("creates principal and mails temp password", func(t *testing.T) {
		f := newFixture(t)

		p, err := f.uc.Register(ctx, RegisterInput{
			Email:     "Neu@Example.com",
			FirstName: "Neu",
			LastName:  "Mitglied",
		})
		require.NoError(t, err)
		assert.Equal(t, "neu@example.com", p.Email)
		assert.Equal(t, []string{principal.RoleUser}, p.Roles)
		assert.True(t, p.Enabled)
		assert.NotEmpty(t, p.OTPSecret)

		require.Len(t, f.mailer.sent, 1)
		m := f.mailer.sent[0]
		assert.Equal(t, "welcome", m.kind)
		assert.True(t, f.hasher.Verify(m.payload, p.PasswordHash))
	})

	t.Run("duplicate email", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		_, err := f.uc.Register(ctx, RegisterInput{Email: "anna@example.com"})
		assert.ErrorIs(t, err, ErrEmailExists)
	})

	t.Run("invalid email", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.uc.Register(ctx, RegisterInput{Email: "not-an-email"})
		assert.Error(t, err)
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		require.NoError(t, f.uc.ChangePassword(ctx, "anna@example.com", "s3cret-pass", "brand-new-pass"))

		_, err := f.uc.Login(ctx, "anna@example.com", "brand-new-pass", "")
		assert.NoError(t, err)
		_, err = f.uc.Login(ctx, "anna@example.com", "s3cret-pass", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("wrong current password", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)
		err := f.uc.ChangePassword(ctx, "anna@example.com", "wrong", "brand-new-pass")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("weak new password", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)
		err := f.uc.ChangePassword(ctx, "anna@example.com", "s3cret-pass", "short")
		assert.ErrorIs(t, err, ErrWeakPassword)
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown email reports success without mail", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.uc.RequestPasswordReset(ctx, "nobody@example.com"))
		assert.Empty(t, f.mailer.sent)
	})

	t.Run("reset token is single use", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		require.NoError(t, f.uc.RequestPasswordReset(ctx, "anna@example.com"))
		require.Len(t, f.mailer.sent, 1)
		reset := f.mailer.sent[0].payload

		cl, err := f.codec.Decode(reset)
		require.NoError(t, err)
		assert.Equal(t, token.PurposePasswordReset, cl.Purpose)

		require.NoError(t, f.uc.ResetPassword(ctx, reset, "brand-new-pass"))

		_, err = f.uc.Login(ctx, "anna@example.com", "brand-new-pass", "")
		assert.NoError(t, err)

		// Replay with the same token.
		err = f.uc.ResetPassword(ctx, reset, "another-pass-99")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("access token cannot reset", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)
		access, err := f.codec.Issue("anna@example.com", nil, token.PurposeAccess, time.Minute)
		require.NoError(t, err)
		err = f.uc.ResetPassword(ctx, access, "brand-new-pass")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("weak password", func(t *testing.T) {
		f := newFixture(t)
		err := f.uc.ResetPassword(ctx, "whatever", "short")
		assert.ErrorIs(t, err, ErrWeakPassword)
	})
}

func TestToggleOTP(t *testing.T) {
	ctx := context.Background()

	t.Run("first enable mints secret and enrollment url", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		p, url, err := f.uc.ToggleOTP(ctx, "anna@example.com", true)
		require.NoError(t, err)
		assert.True(t, p.OTPEnabled)
		assert.NotEmpty(t, p.OTPSecret)
		assert.Contains(t, url, "otpauth://")
	})

	t.Run("disable keeps the secret", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		enabled, _, err := f.uc.ToggleOTP(ctx, "anna@example.com", true)
		require.NoError(t, err)

		p, url, err := f.uc.ToggleOTP(ctx, "anna@example.com", false)
		require.NoError(t, err)
		assert.False(t, p.OTPEnabled)
		assert.Equal(t, enabled.OTPSecret, p.OTPSecret)
		assert.Empty(t, url)
	})

	t.Run("re-enable reuses the secret", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		first, _, err := f.uc.ToggleOTP(ctx, "anna@example.com", true)
		require.NoError(t, err)
		_, _, err = f.uc.ToggleOTP(ctx, "anna@example.com", false)
		require.NoError(t, err)

		again, url, err := f.uc.ToggleOTP(ctx, "anna@example.com", true)
		require.NoError(t, err)
		assert.Equal(t, first.OTPSecret, again.OTPSecret)
		assert.Empty(t, url)
	})
}

func TestRequestOTPCode(t *testing.T) {
	ctx := context.Background()

	t.Run("mails the current code", func(t *testing.T) {
		f := newFixture(t)
		secret, _, err := f.verifier.GenerateSecret("anna@example.com")
		require.NoError(t, err)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", func(p *principal.Principal) {
			p.OTPSecret = secret
			p.OTPEnabled = true
		})

		require.NoError(t, f.uc.RequestOTPCode(ctx, "anna@example.com"))
		require.Len(t, f.mailer.sent, 1)
		assert.Equal(t, "otp", f.mailer.sent[0].kind)
		assert.True(t, f.verifier.Verify(secret, f.mailer.sent[0].payload))
	})

	t.Run("silent for unknown or non-otp accounts", func(t *testing.T) {
		f := newFixture(t)
		f.addPrincipal(t, "anna@example.com", "s3cret-pass", nil)

		require.NoError(t, f.uc.RequestOTPCode(ctx, "anna@example.com"))
		require.NoError(t, f.uc.RequestOTPCode(ctx, "nobody@example.com"))
		assert.Empty(t, f.mailer.sent)
	})
}
