package main

import (
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "github.com/sebastianhamm/kapelle-auth/internal/config/authd"
	"github.com/sebastianhamm/kapelle-auth/internal/domain/audit"
	"github.com/sebastianhamm/kapelle-auth/internal/mail"
	"github.com/sebastianhamm/kapelle-auth/internal/obs"
	"github.com/sebastianhamm/kapelle-auth/internal/otp"
	"github.com/sebastianhamm/kapelle-auth/internal/password"
	pg "github.com/sebastianhamm/kapelle-auth/internal/repository/postgres"
	"github.com/sebastianhamm/kapelle-auth/internal/revocation"
	"github.com/sebastianhamm/kapelle-auth/internal/services/authd/filter"
	"github.com/sebastianhamm/kapelle-auth/internal/services/authd/session"
	"github.com/sebastianhamm/kapelle-auth/internal/token"
)

func buildHTTPServer(cfg *config.Config, logger *zap.Logger, db *pg.DB, rdb *redis.Client, auditPub audit.Publisher) (*http.Server, error) {
	codec, err := token.NewCodec([]byte(cfg.Auth.JWTSecret), nil)
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}

	filterValidator, err := buildFilterValidator(cfg, codec)
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("password hasher: %w", err)
	}

	principals := pg.NewPrincipalRepo(db)
	revocations := revocation.NewRedisStore(rdb, nil)
	verifier := otp.NewVerifier(cfg.OTP.Issuer, uint(cfg.OTP.Period.Seconds()), cfg.OTP.Skew, nil)
	mailer := mail.NewLogMailer(logger)

	// Refresh, pending and reset tokens are always minted by this service,
	// so the session path validates them against the local key regardless of
	// the configured filter mode.
	uc := session.NewUsecase(principals, codec, token.NewSymmetricValidator(codec), hasher, verifier, revocations, mailer, auditPub, logger, session.Config{
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
		PendingTTL:    cfg.Auth.PendingTTL,
		ResetTTL:      cfg.Auth.ResetTTL,
		RotateRefresh: cfg.Auth.RotateRefresh,
	})

	ctrl := session.NewController(uc, principals, session.ControllerOpts{
		Logger: logger,
		Cookies: session.CookieOpts{
			AccessName:  cfg.Auth.AccessCookieName,
			RefreshName: cfg.Auth.RefreshCookieName,
			RefreshPath: cfg.Auth.RefreshCookiePath,
			Domain:      cfg.Auth.CookieDomain,
			Secure:      cfg.Auth.CookieSecure,
		},
	})

	authFilter := filter.New(filterValidator, principals, cfg.Auth.AccessCookieName, logger)

	r := mux.NewRouter()
	r.Use(authFilter.Middleware)
	ctrl.Register(r)

	return &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      obs.HTTPMiddleware(r, "authd"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, nil
}

// buildFilterValidator picks how the authentication filter checks presented
// access tokens. Symmetric mode verifies against the local signing key;
// external mode accepts tokens minted by a trusted issuer sharing the same
// key, pinned to an issuer and audience. The choice only affects the filter:
// self-issued session tokens never carry iss/aud and always go through the
// symmetric path.
func buildFilterValidator(cfg *config.Config, codec *token.Codec) (token.Validator, error) {
	switch cfg.Auth.ValidatorMode {
	case "symmetric":
		return token.NewSymmetricValidator(codec), nil
	case "external":
		key := []byte(cfg.Auth.JWTSecret)
		keyfunc := func(_ *jwt.Token) (any, error) { return key, nil }
		return token.NewExternalIssuerValidator(
			keyfunc,
			[]string{"HS256"},
			cfg.Auth.ExternalIssuer,
			cfg.Auth.ExternalAudience,
			nil,
		), nil
	default:
		return nil, fmt.Errorf("unknown validator mode %q", cfg.Auth.ValidatorMode)
	}
}
