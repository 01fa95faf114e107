package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig      `env-prefix:"SERVER_"`
	Storage     StorageConfig     `env-prefix:"STORAGE_"`
	Pipeline    PipelineConfig    `env-prefix:"PIPELINE_"`
	Transcriber TranscriberConfig `env-prefix:"TRANSCRIBER_"`
	Auth        AuthConfig        `env-prefix:"AUTH_"`
	Client      ClientConfig      `env-prefix:"CLIENT_"`
	Log         LogConfig         `env-prefix:"LOG_"`
	RateLimit   RateLimitConfig   `env-prefix:"RATE_LIMIT_"`
}

type ServerConfig struct {
	Address      string        `env:"ADDRESS" env-default:":8080"`
	PublicURL    string        `env:"PUBLIC_URL" env-default:"http://localhost:8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" env-default:"30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" env-default:"5m"`
	AllowOrigins []string      `env:"ALLOW_ORIGINS" env-default:"*" env-separator:","`
	// MaxUploadBytes bounds a single object PUT.
	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" env-default:"104857600"`
}

type StorageConfig struct {
	Path string `env:"PATH" env-default:"./data"`
	// Backend selects the note store: badger, sqlite or memory.
	Backend string `env:"BACKEND" env-default:"badger"`
}

type PipelineConfig struct {
	Workers           int           `env:"WORKERS" env-default:"4"`
	QueueSize         int           `env:"QUEUE_SIZE" env-default:"100"`
	ProcessingTimeout time.Duration `env:"PROCESSING_TIMEOUT" env-default:"5m"`
}

type TranscriberConfig struct {
	APIKey string `env:"API_KEY"`
	URL    string `env:"URL" env-default:"https://api.openai.com/v1/audio/transcriptions"`
	Model  string `env:"MODEL" env-default:"whisper-1"`
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" env-default:"720h"`
}

type ClientConfig struct {
	ServerURL      string        `env:"SERVER_URL" env-default:"http://localhost:8080"`
	Token          string        `env:"TOKEN"`
	MaxDuration    time.Duration `env:"MAX_DURATION" env-default:"600s"`
	WarnBefore     time.Duration `env:"WARN_BEFORE" env-default:"60s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" env-default:"30s"`
	StateDir       string        `env:"STATE_DIR" env-default:"."`
}

type LogConfig struct {
	Level string `env:"LEVEL" env-default:"info"`
	JSON  bool   `env:"JSON" env-default:"false"`
}

type RateLimitConfig struct {
	Uploads int           `env:"UPLOADS" env-default:"30"`
	Window  time.Duration `env:"WINDOW" env-default:"1m"`
}

// Load reads an optional .env file, then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	return cfg
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Backend) {
	case "badger", "sqlite", "memory":
	default:
		return fmt.Errorf("storage backend: unsupported value %q", c.Storage.Backend)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline queue size must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Client.WarnBefore >= c.Client.MaxDuration {
		return fmt.Errorf("client warn_before (%s) must be shorter than max_duration (%s)", c.Client.WarnBefore, c.Client.MaxDuration)
	}
	return nil
}
