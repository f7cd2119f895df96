package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sebastianhamm/kapelle-auth/internal/domain/principal"
	"github.com/sebastianhamm/kapelle-auth/internal/obs"
	"github.com/sebastianhamm/kapelle-auth/internal/services/authd/filter"
	"github.com/sebastianhamm/kapelle-auth/internal/token"
)

type CookieOpts struct {
	AccessName  string
	RefreshName string
	RefreshPath string
	Domain      string
	Secure      bool
}

type ControllerOpts struct {
	Logger  *zap.Logger
	Cookies CookieOpts
}

type Controller struct {
	log        *zap.Logger
	uc         *Usecase
	principals principal.Repo
	cookies    CookieOpts
}

func NewController(uc *Usecase, principals principal.Repo, o ControllerOpts) *Controller {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log:        log,
		uc:         uc,
		principals: principals,
		cookies:    o.Cookies,
	}
}

// Register mounts all session routes under /auth. Routes that demand an
// authenticated caller are wrapped with the filter's Require guard; the
// filter middleware itself is installed on the router by the server.
func (c *Controller) Register(r *mux.Router) {
	r.HandleFunc("/auth/login", c.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/verify-otp", c.handleVerifyOTP).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh-token", c.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", c.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/request-password-reset", c.handleRequestPasswordReset).Methods(http.MethodPost)
	r.HandleFunc("/auth/reset-password", c.handleResetPassword).Methods(http.MethodPost)
	r.HandleFunc("/auth/request-otp", c.handleRequestOTP).Methods(http.MethodPost)

	r.Handle("/auth/register",
		filter.Require(principal.RoleAdmin)(http.HandlerFunc(c.handleRegister))).Methods(http.MethodPost)
	r.Handle("/auth/change-password",
		filter.Require()(http.HandlerFunc(c.handleChangePassword))).Methods(http.MethodPost)
	r.Handle("/auth/otp/toggle",
		filter.Require()(http.HandlerFunc(c.handleToggleOTP))).Methods(http.MethodPost)
	r.Handle("/auth/me",
		filter.Require()(http.HandlerFunc(c.handleMe))).Methods(http.MethodGet)
}

type userDTO struct {
	ID         int64    `json:"id"`
	Email      string   `json:"email"`
	FirstName  string   `json:"firstName,omitempty"`
	LastName   string   `json:"lastName,omitempty"`
	Roles      []string `json:"roles"`
	OTPEnabled bool     `json:"otpEnabled"`
}

func toUserDTO(p *principal.Principal) userDTO {
	return userDTO{
		ID:         p.ID,
		Email:      p.Email,
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		Roles:      p.Roles,
		OTPEnabled: p.OTPEnabled,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

type authResponse struct {
	AccessToken  string  `json:"accessToken,omitempty"`
	RefreshToken string  `json:"refreshToken,omitempty"`
	RequiresOTP  bool    `json:"requiresOtp,omitempty"`
	PendingToken string  `json:"pendingToken,omitempty"`
	User         userDTO `json:"user"`
}

func (c *Controller) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c.reqLog(r).Info("auth.login", zap.String("email", req.Email))

	res, err := c.uc.Login(r.Context(), req.Email, req.Password, req.Code)
	if err != nil {
		loginsTotal.WithLabelValues("failure").Inc()
		c.writeUsecaseError(w, err)
		return
	}

	if res.PendingOTP {
		loginsTotal.WithLabelValues("pending_otp").Inc()
		writeJSON(w, http.StatusOK, authResponse{
			RequiresOTP:  true,
			PendingToken: res.PendingToken,
			User:         toUserDTO(res.Principal),
		})
		return
	}

	loginsTotal.WithLabelValues("success").Inc()
	c.setSessionCookies(w, res.Pair)
	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  res.Pair.Access,
		RefreshToken: res.Pair.Refresh,
		User:         toUserDTO(res.Principal),
	})
}

type verifyOTPRequest struct {
	PendingToken string `json:"pendingToken"`
	Code         string `json:"code"`
}

func (c *Controller) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c.reqLog(r).Info("auth.verify_otp")

	res, err := c.uc.VerifyOTP(r.Context(), req.PendingToken, req.Code)
	if err != nil {
		otpVerificationsTotal.WithLabelValues("failure").Inc()
		c.writeUsecaseError(w, err)
		return
	}

	otpVerificationsTotal.WithLabelValues("success").Inc()
	c.setSessionCookies(w, res.Pair)
	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  res.Pair.Access,
		RefreshToken: res.Pair.Refresh,
		User:         toUserDTO(res.Principal),
	})
}

func (c *Controller) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := c.refreshFromRequest(r)

	c.reqLog(r).Info("auth.refresh")

	res, err := c.uc.Refresh(r.Context(), raw)
	if err != nil {
		refreshesTotal.WithLabelValues("failure").Inc()
		// A store outage is retryable; the client keeps its cookies and
		// tries again. Only a definitive rejection ends the session.
		if !errors.Is(err, ErrRevocationUnavailable) {
			c.clearSessionCookies(w)
		}
		c.writeUsecaseError(w, err)
		return
	}

	refreshesTotal.WithLabelValues("success").Inc()
	c.setSessionCookies(w, res.Pair)
	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  res.Pair.Access,
		RefreshToken: res.Pair.Refresh,
		User:         toUserDTO(res.Principal),
	})
}

func (c *Controller) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw := c.refreshFromRequest(r)

	err := c.uc.Logout(r.Context(), raw)

	// Cookies go regardless, the client session ends either way.
	c.clearSessionCookies(w)

	c.reqLog(r).Info("auth.logout")

	if errors.Is(err, ErrRevocationUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "sign-out could not be completed, try again")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "signed out"})
}

type registerRequest struct {
	Email      string   `json:"email"`
	FirstName  string   `json:"firstName"`
	LastName   string   `json:"lastName"`
	Roles      []string `json:"roles,omitempty"`
	OTPEnabled bool     `json:"otpEnabled"`
}

func (c *Controller) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c.reqLog(r).Info("auth.register", zap.String("email", req.Email))

	p, err := c.uc.Register(r.Context(), RegisterInput{
		Email:      req.Email,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Roles:      req.Roles,
		OTPEnabled: req.OTPEnabled,
	})
	if err != nil {
		c.writeUsecaseError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserDTO(p))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (c *Controller) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := filter.FromContext(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c.reqLog(r).Info("auth.change_password", zap.String("email", id.Email))

	if err := c.uc.ChangePassword(r.Context(), id.Email, req.CurrentPassword, req.NewPassword); err != nil {
		c.writeUsecaseError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type emailRequest struct {
	Email string `json:"email"`
}

func (c *Controller) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c.reqLog(r).Info("auth.request_password_reset")

	if err := c.uc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		c.writeUsecaseError(w, err)
		return
	}

	// Always accepted so existing accounts cannot be probed.
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "if the account exists, a reset link has been sent"})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (c *Controller) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c.reqLog(r).Info("auth.reset_password")

	if err := c.uc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		c.writeUsecaseError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type toggleOTPRequest struct {
	Enabled bool `json:"enabled"`
}

type toggleOTPResponse struct {
	OTPEnabled    bool   `json:"otpEnabled"`
	EnrollmentURL string `json:"enrollmentUrl,omitempty"`
}

func (c *Controller) handleToggleOTP(w http.ResponseWriter, r *http.Request) {
	id, _ := filter.FromContext(r.Context())

	var req toggleOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c.reqLog(r).Info("auth.otp_toggle", zap.String("email", id.Email), zap.Bool("enabled", req.Enabled))

	p, url, err := c.uc.ToggleOTP(r.Context(), id.Email, req.Enabled)
	if err != nil {
		c.writeUsecaseError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggleOTPResponse{OTPEnabled: p.OTPEnabled, EnrollmentURL: url})
}

func (c *Controller) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c.reqLog(r).Info("auth.request_otp")

	if err := c.uc.RequestOTPCode(r.Context(), req.Email); err != nil {
		c.writeUsecaseError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "if the account exists, a code has been sent"})
}

func (c *Controller) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := filter.FromContext(r.Context())

	p, err := c.principals.GetByEmail(r.Context(), id.Email)
	if err != nil {
		c.writeUsecaseError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserDTO(p))
}

func (c *Controller) reqLog(r *http.Request) *zap.Logger {
	return obs.WithTrace(r.Context(), c.log)
}

// writeUsecaseError maps domain errors to HTTP statuses. Credential and
// token failures all collapse into one generic 401 so the response never
// tells an attacker which part failed.
func (c *Controller) writeUsecaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrOTPInvalid),
		errors.Is(err, ErrTokenRevoked),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrNotYetValid),
		errors.Is(err, token.ErrBadIssuer),
		errors.Is(err, token.ErrBadAudience),
		errors.Is(err, token.ErrSubjectMismatch),
		errors.Is(err, token.ErrWrongPurpose):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, ErrOTPNotEnabled), errors.Is(err, ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEmailExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, principal.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, ErrRevocationUnavailable):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again")
	default:
		c.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// refreshFromRequest prefers the refresh cookie. Clients commonly keep
// sending their access token in the Authorization header; if the header won,
// that wrong-purpose token would shadow a perfectly good cookie. The bearer
// header stays as the fallback for cookie-less clients.
func (c *Controller) refreshFromRequest(r *http.Request) string {
	if ck, err := r.Cookie(c.cookies.RefreshName); err == nil && ck.Value != "" {
		return ck.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return ""
}

func (c *Controller) setSessionCookies(w http.ResponseWriter, pair *TokenPair) {
	now := time.Now()
	http.SetCookie(w, &http.Cookie{
		Name:     c.cookies.AccessName,
		Value:    pair.Access,
		Path:     "/",
		Domain:   c.cookies.Domain,
		HttpOnly: true,
		Secure:   c.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(pair.AccessExpiresAt.Sub(now).Seconds()),
		Expires:  pair.AccessExpiresAt.UTC(),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     c.cookies.RefreshName,
		Value:    pair.Refresh,
		Path:     c.cookies.RefreshPath,
		Domain:   c.cookies.Domain,
		HttpOnly: true,
		Secure:   c.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(pair.RefreshExpiresAt.Sub(now).Seconds()),
		Expires:  pair.RefreshExpiresAt.UTC(),
	})
}

func (c *Controller) clearSessionCookies(w http.ResponseWriter) {
	for _, ck := range []struct{ name, path string }{
		{c.cookies.AccessName, "/"},
		{c.cookies.RefreshName, c.cookies.RefreshPath},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     ck.name,
			Value:    "",
			Path:     ck.path,
			Domain:   c.cookies.Domain,
			HttpOnly: true,
			Secure:   c.cookies.Secure,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0).UTC(),
		})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
