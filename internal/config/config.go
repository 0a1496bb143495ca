package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	AuthMode          string        `mapstructure:"AUTH_MODE"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant     string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	EventStream       string        `mapstructure:"EVENT_STREAM"`
	MLLPAddr          string        `mapstructure:"MLLP_ADDR"`
	MQTTBroker        string        `mapstructure:"MQTT_BROKER"`
	MQTTTopics        []string      `mapstructure:"MQTT_TOPICS"`
	MQTTClientID      string        `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername      string        `mapstructure:"MQTT_USERNAME"`
	MQTTPassword      string        `mapstructure:"MQTT_PASSWORD"`
	DropDir           string        `mapstructure:"DROP_DIR"`
	ParserScriptsDir  string        `mapstructure:"PARSER_SCRIPTS_DIR"`
	OrderAPIURL       string        `mapstructure:"ORDER_API_URL"`
	OrderAPIToken     string        `mapstructure:"ORDER_API_TOKEN"`
	OrderAPITimeout   time.Duration `mapstructure:"ORDER_API_TIMEOUT"`
	ReconcileOnIngest bool          `mapstructure:"RECONCILE_ON_INGEST"`
	MaxMessageSize    string        `mapstructure:"MAX_MESSAGE_SIZE"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AnalyzerAPIKeys   []string      `mapstructure:"ANALYZER_API_KEYS"`
	IntakeRateLimit   float64       `mapstructure:"INTAKE_RATE_LIMIT"`
	IntakeRateBurst   int           `mapstructure:"INTAKE_RATE_BURST"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "REDIS_URL", "EVENT_STREAM", "MLLP_ADDR", "MQTT_BROKER",
	"MQTT_TOPICS", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "DROP_DIR",
	"PARSER_SCRIPTS_DIR", "ORDER_API_URL", "ORDER_API_TOKEN", "ORDER_API_TIMEOUT",
	"RECONCILE_ON_INGEST", "MAX_MESSAGE_SIZE", "REQUEST_TIMEOUT", "ANALYZER_API_KEYS",
	"INTAKE_RATE_LIMIT", "INTAKE_RATE_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("EVENT_STREAM", "lab:reconciliation:events")
	v.SetDefault("MQTT_TOPICS", "lab/devices/+/results")
	v.SetDefault("ORDER_API_TIMEOUT", "15s")
	v.SetDefault("RECONCILE_ON_INGEST", true)
	v.SetDefault("MAX_MESSAGE_SIZE", "2M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("INTAKE_RATE_LIMIT", 20)
	v.SetDefault("INTAKE_RATE_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.MQTTTopics = splitList(cfg.MQTTTopics, v.GetString("MQTT_TOPICS"))
	cfg.AnalyzerAPIKeys = splitList(cfg.AnalyzerAPIKeys, v.GetString("ANALYZER_API_KEYS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); all requests get lab admin access.")
	}

	return cfg, nil
}

// splitList normalizes comma separated env values into trimmed, non-empty
// elements regardless of whether viper already split them.
func splitList(current []string, raw string) []string {
	joined := strings.Join(current, ",")
	if joined == "" {
		joined = raw
	}
	var out []string
	for _, s := range strings.Split(joined, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise:
//   - ENV=development -> "development" (no auth, every request is a lab admin)
//   - otherwise       -> "jwt"
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case "development":
	case "jwt":
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL is required when tokens are not verified with AUTH_SIGNING_KEY")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", c.AuthMode)
	}

	if !c.IsDev() && c.OrderAPIURL == "" {
		return fmt.Errorf("ORDER_API_URL is required outside development")
	}
	if c.MQTTBroker != "" && len(c.MQTTTopics) == 0 {
		return fmt.Errorf("MQTT_TOPICS is required when MQTT_BROKER is set")
	}
	if c.OrderAPITimeout <= 0 {
		return fmt.Errorf("ORDER_API_TIMEOUT must be positive")
	}
	if c.IntakeRateLimit < 0 || (c.IntakeRateLimit > 0 && c.IntakeRateBurst <= 0) {
		return fmt.Errorf("INTAKE_RATE_LIMIT must be >= 0 and INTAKE_RATE_BURST positive when limiting")
	}
	return nil
}
