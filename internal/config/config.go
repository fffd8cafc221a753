package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	HTTP    HTTPConfig    `yaml:"http"`
	Grpc    GRPCConfig    `yaml:"grpc"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

// StorageConfig selects the backend holding users and, unless Redis is enabled, refresh tokens.
type StorageConfig struct {
	Driver         string        `yaml:"driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	Path           string        `yaml:"path" env:"STORAGE_PATH" env-default:"./storage/identity.db"`
	DSN            string        `yaml:"dsn" env:"STORAGE_DSN"`
	MongoURI       string        `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase  string        `yaml:"mongo_database" env:"MONGO_DATABASE" env-default:"identity"`
	AutoMigrate    bool          `yaml:"auto_migrate" env:"STORAGE_AUTO_MIGRATE" env-default:"true"`
	QueryTimeout   time.Duration `yaml:"query_timeout" env-default:"3s"`
	ConnectRetries uint64        `yaml:"connect_retries" env-default:"5"`
	ConnectBackoff time.Duration `yaml:"connect_backoff" env-default:"500ms"`
}

type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr         string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	Prefix       string        `yaml:"prefix" env:"REDIS_PREFIX" env-default:"identity"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env-default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env-default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env-default:"3s"`
	Retention    time.Duration `yaml:"retention" env-default:"168h"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env-default:"5s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"15s"`
}

type GRPCConfig struct {
	Enabled bool          `yaml:"enabled" env:"GRPC_ENABLED"`
	Port    int           `yaml:"port" env:"GRPC_PORT" env-default:"44044"`
	Timeout time.Duration `yaml:"timeout" env-default:"5s"`
}

// AuthConfig is the trust-boundary configuration shared with resource services.
type AuthConfig struct {
	Secret          string        `yaml:"secret" env:"AUTH_SECRET" env-required:"true"`
	Issuer          string        `yaml:"issuer" env:"AUTH_ISSUER" env-default:"identity"`
	Audience        string        `yaml:"audience" env:"AUTH_AUDIENCE" env-default:"jobtracker"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"AUTH_ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"AUTH_REFRESH_TOKEN_TTL" env-default:"168h"`
	RefreshPepper   string        `yaml:"refresh_pepper" env:"AUTH_REFRESH_PEPPER"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED" env-default:"true"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"TRACING_ENDPOINT" env-default:"localhost:4317"`
	ServiceName string  `yaml:"service_name" env-default:"identity"`
	SampleRatio float64 `yaml:"sample_ratio" env-default:"1"`
}

type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers       []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	UsersTopic    string        `yaml:"users_topic" env-default:"identity.users"`
	SecurityTopic string        `yaml:"security_topic" env-default:"identity.security"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env-default:"5s"`
}

// MustLoad reads the config from the --config flag or CONFIG_PATH env.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return LoadConfig(path)
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

// fetchConfigPath prefers the flag over the environment.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
