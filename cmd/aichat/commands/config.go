package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-yaml"

	"github.com/infisparks/aichat/pkg/brain"
	"github.com/infisparks/aichat/pkg/catstore"
	"github.com/infisparks/aichat/pkg/classifier"
	"github.com/infisparks/aichat/pkg/kv"
	"github.com/infisparks/aichat/pkg/modelstore"
)

// DefaultConfigFile is looked up in the working directory when --config
// is not given.
const DefaultConfigFile = "aichat.yaml"

// Config is the aichat.yaml structure. Every field can be overridden by
// an AICHAT_* environment variable.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Store    StoreConfig    `yaml:"store"`
	Models   ModelsConfig   `yaml:"models"`
	Training TrainingConfig `yaml:"training"`

	// ConfidenceFloor redirects predictions below it to the default
	// intent. 0 uses the engine default.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// DefaultTag is the intent answering low-confidence requests.
	DefaultTag string `yaml:"default_tag"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`

	// Password guards the API when non-empty (X-Auth-Password header).
	Password string `yaml:"password"`
}

// StoreConfig selects where the intent catalog lives.
type StoreConfig struct {
	// Backend is "file" or "badger".
	Backend string `yaml:"backend"`

	// Path is the catalog document path (file backend).
	Path string `yaml:"path"`

	// Dir is the database directory (badger backend).
	Dir string `yaml:"dir"`
}

// ModelsConfig selects where trained models are persisted.
type ModelsConfig struct {
	// Backend is "dir", "s3" or "none".
	Backend string `yaml:"backend"`

	// Dir is the artifact directory (dir backend).
	Dir string `yaml:"dir"`

	// Bucket and Prefix locate artifacts (s3 backend). Credentials and
	// region come from the usual AWS environment.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint overrides the S3 endpoint, for MinIO and friends.
	Endpoint string `yaml:"endpoint"`
}

// TrainingConfig tunes the classifier. Zero values use the trainer's
// defaults.
type TrainingConfig struct {
	Hidden       []int   `yaml:"hidden"`
	LearningRate float64 `yaml:"learning_rate"`
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
}

func defaultConfig() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.Store.Backend = "file"
	c.Store.Path = "data/intents.json"
	c.Store.Dir = "data/catalog.db"
	c.Models.Backend = "dir"
	c.Models.Dir = "data/models"
	c.Models.Prefix = "intent-model"
	c.LogLevel = "info"
	return c
}

// LoadConfig reads path (or aichat.yaml when path is empty), then
// applies AICHAT_* environment overrides. A missing default file is not
// an error; a missing explicit --config file is.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// Defaults apply.
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("AICHAT_HTTP_ADDR", &cfg.HTTP.Addr)
	setString("AICHAT_HTTP_PASSWORD", &cfg.HTTP.Password)
	setString("AICHAT_STORE_BACKEND", &cfg.Store.Backend)
	setString("AICHAT_STORE_PATH", &cfg.Store.Path)
	setString("AICHAT_STORE_DIR", &cfg.Store.Dir)
	setString("AICHAT_MODELS_BACKEND", &cfg.Models.Backend)
	setString("AICHAT_MODELS_DIR", &cfg.Models.Dir)
	setString("AICHAT_MODELS_BUCKET", &cfg.Models.Bucket)
	setString("AICHAT_MODELS_PREFIX", &cfg.Models.Prefix)
	setString("AICHAT_MODELS_ENDPOINT", &cfg.Models.Endpoint)
	setString("AICHAT_DEFAULT_TAG", &cfg.DefaultTag)
	setString("AICHAT_LOG_LEVEL", &cfg.LogLevel)
	if v := os.Getenv("AICHAT_CONFIDENCE_FLOOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AICHAT_CONFIDENCE_FLOOR: %w", err)
		}
		cfg.ConfidenceFloor = f
	}
	return nil
}

func (c Config) newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openCatalogStore builds the configured catalog store. The returned
// close function releases the underlying database, if any.
func (c Config) openCatalogStore(logger *slog.Logger) (catstore.Store, func() error, error) {
	switch c.Store.Backend {
	case "file":
		store, err := catstore.NewFile(c.Store.Path, &catstore.FileOptions{Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	case "badger":
		db, err := kv.NewBadger(kv.BadgerOptions{Dir: c.Store.Dir})
		if err != nil {
			return nil, nil, err
		}
		return catstore.NewKV(db, &catstore.KVOptions{Logger: logger}), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (want file or badger)", c.Store.Backend)
	}
}

// openModelStore builds the configured model store. The "none" backend
// disables persistence and returns nil.
func (c Config) openModelStore(ctx context.Context) (*modelstore.Store, error) {
	switch c.Models.Backend {
	case "none":
		return nil, nil
	case "dir":
		return modelstore.NewDir(c.Models.Dir)
	case "s3":
		if c.Models.Bucket == "" {
			return nil, errors.New("models: bucket is required for the s3 backend")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if c.Models.Endpoint != "" {
				o.BaseEndpoint = aws.String(c.Models.Endpoint)
				o.UsePathStyle = true
			}
		})
		return modelstore.NewS3(client, c.Models.Bucket, c.Models.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown models backend %q (want dir, s3 or none)", c.Models.Backend)
	}
}

func (c Config) trainingOptions(logger *slog.Logger) classifier.Options {
	return classifier.Options{
		Hidden:       c.Training.Hidden,
		LearningRate: c.Training.LearningRate,
		Epochs:       c.Training.Epochs,
		BatchSize:    c.Training.BatchSize,
		Logger:       logger,
	}
}

// newEngine wires the configured stores into an engine. The returned
// close function must be called after the engine is done.
func newEngine(ctx context.Context, cfg Config, logger *slog.Logger) (*brain.Engine, func() error, error) {
	catalog, closeStore, err := cfg.openCatalogStore(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog store: %w", err)
	}
	models, err := cfg.openModelStore(ctx)
	if err != nil {
		_ = closeStore()
		return nil, nil, fmt.Errorf("open model store: %w", err)
	}
	engine := brain.New(brain.Config{
		Catalog:         catalog,
		Models:          models,
		Training:        cfg.trainingOptions(logger),
		ConfidenceFloor: cfg.ConfidenceFloor,
		DefaultTag:      cfg.DefaultTag,
		Logger:          logger,
	})
	return engine, closeStore, nil
}
