package authd_config

import (
	"time"

	"github.com/sebastianhamm/kapelle-auth/internal/obs"
	pg "github.com/sebastianhamm/kapelle-auth/internal/repository/postgres"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type Server struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Auth carries the token and cookie knobs. ValidatorMode selects between
// local HMAC verification ("symmetric") and verification of tokens minted
// by a trusted external issuer ("external").
type Auth struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	PendingTTL    time.Duration `mapstructure:"pending_ttl"`
	ResetTTL      time.Duration `mapstructure:"reset_ttl"`
	RotateRefresh bool          `mapstructure:"rotate_refresh"`
	BcryptCost    int           `mapstructure:"bcrypt_cost"`

	ValidatorMode    string `mapstructure:"validator_mode"`
	ExternalIssuer   string `mapstructure:"external_issuer"`
	ExternalAudience string `mapstructure:"external_audience"`

	AccessCookieName  string `mapstructure:"access_cookie_name"`
	RefreshCookieName string `mapstructure:"refresh_cookie_name"`
	RefreshCookiePath string `mapstructure:"refresh_cookie_path"`
	CookieDomain      string `mapstructure:"cookie_domain"`
	CookieSecure      bool   `mapstructure:"cookie_secure"`
}

type OTP struct {
	Issuer string        `mapstructure:"issuer"`
	Period time.Duration `mapstructure:"period"`
	Skew   uint          `mapstructure:"skew"`
}

type Audit struct {
	Enable  bool     `mapstructure:"enable"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type OTEL struct {
	Enable       bool    `mapstructure:"enable"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

func (oc *OTEL) AsOTELConfig() *obs.OTELConfig {
	return &obs.OTELConfig{
		Enable:      oc.Enable,
		Endpoint:    oc.OTLPEndpoint,
		ServiceName: oc.ServiceName,
		SampleRatio: oc.SampleRatio,
	}
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func (lc *Log) AsLoggerConfig(app App) *obs.LogConfig {
	return &obs.LogConfig{
		Level:  lc.Level,
		Pretty: lc.Pretty,
		App:    app.Name,
		Env:    app.Env,
		Ver:    app.Version,
	}
}

type Config struct {
	App    App       `mapstructure:"app"`
	Server Server    `mapstructure:"server"`
	DB     pg.Config `mapstructure:"db"`
	Redis  Redis     `mapstructure:"redis"`
	Auth   Auth      `mapstructure:"auth"`
	OTP    OTP       `mapstructure:"otp"`
	Audit  Audit     `mapstructure:"audit"`
	OTEL   OTEL      `mapstructure:"otel"`
	Log    Log       `mapstructure:"log"`
}
