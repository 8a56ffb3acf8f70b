package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env           string `yaml:"env" env:"ENV" env-default:"local"`
	StartURL      string `yaml:"start_url" env:"START_URL"`
	APIConfig     `yaml:"api"`
	StorageConfig `yaml:"storage"`
	HttpConfig    `yaml:"http"`
	KafkaConfig   `yaml:"kafka"`
	GrpcConfig    `yaml:"grpc"`
}

type APIConfig struct {
	BaseURL        string        `yaml:"base_url" env:"API_BASE_URL" env-default:"http://localhost:8000/api"`
	RequestTimeout time.Duration `yaml:"request_timeout" env-default:"30s"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env-default:"15s"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver" env:"STORAGE_DRIVER" env-default:"inmemory"`
	Key      string         `yaml:"key" env-default:"session"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" env-default:"sessionclient:"`
}

type PostgresConfig struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
	DBname   string `yaml:"dbname" env:"POSTGRES_DB"`
}

type HttpConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR" env-default:"localhost:8080"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env-default:"session-events"`
}

type GrpcConfig struct {
	Target string `yaml:"target" env:"GRPC_TARGET"`
}

func MustLoad() *Config {
	path, driver, httpAddr, startURL := fetchFlags()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/local.yaml"
	}

	cfg := MustLoadByPath(path)

	if driver != "" {
		cfg.Driver = driver
	}

	if httpAddr != "" {
		cfg.HttpConfig.Addr = httpAddr
	}

	if startURL != "" {
		cfg.StartURL = startURL
	}

	return cfg
}

func MustLoadByPath(path string) *Config {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file does not exist: " + path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

func fetchFlags() (string, string, string, string) {
	var path string
	var driver string
	var httpAddr string
	var startURL string

	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flags.StringVar(&path, "config", "", "path to config file")
	flags.StringVar(&driver, "storage", "", "token storage driver: inmemory, redis or postgres")
	flags.StringVar(&httpAddr, "http", "", "address of the local callback server")
	flags.StringVar(&startURL, "url", "", "address the session starts from, e.g. an OAuth redirect carrying tokens")
	_ = flags.Parse(os.Args[1:])

	return path, driver, httpAddr, startURL
}

// MockAPIConfig configures the fake backend in cmd/mockapi.
type MockAPIConfig struct {
	Env        string        `yaml:"env" env:"ENV" env-default:"local"`
	HttpAddr   string        `yaml:"http_addr" env:"MOCKAPI_HTTP_ADDR" env-default:"localhost:8000"`
	GrpcAddr   string        `yaml:"grpc_addr" env:"MOCKAPI_GRPC_ADDR" env-default:"localhost:9000"`
	AccessTTL  time.Duration `yaml:"access_ttl" env-default:"15m"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" env-default:"168h"`
	Secret     string        `yaml:"secret" env:"MOCKAPI_SECRET" env-required:"true"`
	Google     GoogleConfig  `yaml:"google"`
}

// GoogleConfig drives the fake consent screen. Empty FrontendURL leaves
// Google login unconfigured.
type GoogleConfig struct {
	FrontendURL string `yaml:"frontend_url" env:"FRONTEND_URL"`
	Code        string `yaml:"code" env-default:"local-consent"`
	ID          string `yaml:"id" env-default:"google-local"`
	Email       string `yaml:"email" env-default:"local.user@example.com"`
}

func MustLoadMockAPIByPath(path string) *MockAPIConfig {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file does not exist: " + path)
	}

	var cfg MockAPIConfig
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}
