package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValRusDev/microshop/pkg/eventbus"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppEnv      string        `envconfig:"APP_ENV" default:"development"`
	Port        string        `envconfig:"PORT" default:"8086"`
	RedisURL    string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	BasketTTL   time.Duration `envconfig:"BASKET_TTL" default:"168h"`
	JWTSecret   string        `envconfig:"JWT_SECRET"`
	CallTimeout time.Duration `envconfig:"CALL_TIMEOUT" default:"10s"`
	CORSOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
	RateLimitBurst     int `envconfig:"RATE_LIMIT_BURST" default:"20"`

	// TrustGatewayHeader lets a deployment without JWT_SECRET take the shopper
	// id from the gateway's X-User-ID header.
	TrustGatewayHeader bool `envconfig:"AUTH_TRUST_GATEWAY_HEADER" default:"false"`

	OTelEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	CloudWatchEnabled   bool   `envconfig:"CLOUDWATCH_ENABLED" default:"false"`
	CloudWatchLogGroup  string `envconfig:"CLOUDWATCH_LOG_GROUP" default:"/microshop/basket-service"`
	CloudWatchNamespace string `envconfig:"CLOUDWATCH_NAMESPACE" default:"MicroShop"`

	EventBus eventbus.Config `envconfig:"EVENTBUS"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load basket-service config: %w", err)
	}
	if cfg.BasketTTL <= 0 {
		return Config{}, fmt.Errorf("BASKET_TTL must be positive, got %s", cfg.BasketTTL)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" && !cfg.TrustGatewayHeader {
		return Config{}, fmt.Errorf("JWT_SECRET is required unless AUTH_TRUST_GATEWAY_HEADER=true")
	}
	if cfg.RateLimitPerMinute <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", cfg.RateLimitPerMinute)
	}
	return cfg, nil
}
