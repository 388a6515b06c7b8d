package config

import (
	"context"
	"fmt"
	"time"

	"github.com/ValRusDev/microshop/pkg/eventbus"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
	StoreMongo    = "mongo"
)

type Postgres struct {
	User     string `envconfig:"USER"`
	Password string `envconfig:"PASSWORD"`
	DB       string `envconfig:"DB"`
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     string `envconfig:"PORT" default:"5432"`
	SSLMode  string `envconfig:"SSLMODE" default:"disable"`
	TimeZone string `envconfig:"TIMEZONE" default:"UTC"`
}

func (p Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		p.Host, p.User, p.Password, p.DB, p.Port, p.SSLMode, p.TimeZone,
	)
}

type Config struct {
	AppEnv      string   `envconfig:"APP_ENV" default:"development"`
	Port        string   `envconfig:"PORT" default:"8083"`
	OrderStore  string   `envconfig:"ORDER_STORE" default:"postgres"`
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`

	// HandlerTimeout bounds one materialization attempt.
	HandlerTimeout time.Duration `envconfig:"HANDLER_TIMEOUT" default:"15s"`

	Postgres Postgres `envconfig:"POSTGRES"`

	DynamoTable string `envconfig:"DYNAMODB_ORDERS_TABLE" default:"orders"`
	DynamoIndex string `envconfig:"DYNAMODB_OWNER_INDEX" default:"owner_id-created_at-index"`

	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"ordering"`

	AWSUseSecrets bool   `envconfig:"AWS_USE_SECRETS" default:"false"`
	DBSecretName  string `envconfig:"DB_SECRET_NAME" default:"ordering/DB_CREDENTIALS"`

	OTelEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	CloudWatchEnabled   bool   `envconfig:"CLOUDWATCH_ENABLED" default:"false"`
	CloudWatchLogGroup  string `envconfig:"CLOUDWATCH_LOG_GROUP" default:"/microshop/ordering-service"`
	CloudWatchNamespace string `envconfig:"CLOUDWATCH_NAMESPACE" default:"MicroShop"`

	EventBus eventbus.Config `envconfig:"EVENTBUS"`
}

// SecretSource returns a JSON map of secret values by name.
type SecretSource interface {
	GetSecretMap(ctx context.Context, name string) (map[string]string, error)
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load ordering-service config: %w", err)
	}
	switch cfg.OrderStore {
	case StorePostgres, StoreDynamoDB, StoreMongo:
	default:
		return nil, fmt.Errorf("unknown ORDER_STORE %q", cfg.OrderStore)
	}
	return &cfg, nil
}

// ApplySecrets overrides Postgres credentials with values from the secret store.
// Missing keys keep their environment values.
func (c *Config) ApplySecrets(ctx context.Context, secrets SecretSource) error {
	m, err := secrets.GetSecretMap(ctx, c.DBSecretName)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.DBSecretName, err)
	}
	override := func(dst *string, key string) {
		if v, ok := m[key]; ok && v != "" {
			*dst = v
		}
	}
	override(&c.Postgres.User, "POSTGRES_USER")
	override(&c.Postgres.Password, "POSTGRES_PASSWORD")
	override(&c.Postgres.DB, "POSTGRES_DB")
	override(&c.Postgres.Host, "POSTGRES_HOST")
	override(&c.Postgres.Port, "POSTGRES_PORT")
	return nil
}

// Validate checks the settings the selected order store needs.
func (c *Config) Validate() error {
	if c.OrderStore != StorePostgres {
		return nil
	}
	if c.Postgres.User == "" || c.Postgres.Password == "" || c.Postgres.DB == "" || c.Postgres.Host == "" {
		return fmt.Errorf("database config incomplete")
	}
	return nil
}
