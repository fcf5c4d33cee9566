package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables understood by every stage.
const (
	EnvConfigPath     = "IRISDX_CONFIG"
	EnvTrackingURI    = "MLFLOW_TRACKING_URI"
	EnvExperimentName = "MLFLOW_EXPERIMENT"
	EnvDatabaseDSN    = "DATABASE_DSN"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvJWTSecret      = "JWT_SECRET"
	EnvJWTAudience    = "JWT_AUDIENCE"
	EnvHTTPAddr       = "HTTP_ADDR"
	EnvGRPCAddr       = "GRPC_ADDR"

	// DefaultConfigPath is read when neither --config nor IRISDX_CONFIG is set.
	DefaultConfigPath = "irisdx.yaml"

	DefaultExperimentName   = "iris_diagnostic_experiment"
	EvaluationExperiment    = "iris_diagnostic_evaluation"
	DefaultProcessedArchive = "data/processed/dataset_prepared.npz"
)

// Config is passed explicitly into every stage instead of package-level paths.
type Config struct {
	RawDir         string `yaml:"raw_dir"`
	ProcessedPath  string `yaml:"processed_path"`
	ModelsDir      string `yaml:"models_dir"`
	ArtifactsDir   string `yaml:"artifacts_dir"`
	MetadataPath   string `yaml:"metadata_path"`
	SplitDir       string `yaml:"split_dir"`
	TrackingURI    string `yaml:"tracking_uri"`
	ExperimentName string `yaml:"experiment_name"`

	Seed int64 `yaml:"seed"`

	Train TrainConfig `yaml:"train"`
	Serve ServeConfig `yaml:"serve"`
}

// TrainConfig holds the trainer's knobs. Zero values are replaced by defaults.
type TrainConfig struct {
	Variant       string  `yaml:"variant"`
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	Patience      int     `yaml:"early_stopping_patience"`
	PlateauWindow int     `yaml:"plateau_patience"`
	PlateauFactor float64 `yaml:"plateau_factor"`
	BackboneDir   string  `yaml:"backbone_dir"`
	AugmentTrain  *bool   `yaml:"augment"`

	// RegisteredModel, when set, registers every logged model under this name.
	RegisteredModel string `yaml:"registered_model"`
}

// ServeConfig configures the diagnosis service.
type ServeConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	DatabaseDSN string `yaml:"database_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`
	UploadsDir  string `yaml:"uploads_dir"`
}

// Default returns the layout used when no configuration file is given.
func Default() *Config {
	return &Config{
		RawDir:         "data/raw",
		ProcessedPath:  DefaultProcessedArchive,
		ModelsDir:      "models",
		ArtifactsDir:   "artifacts",
		MetadataPath:   "data/metadata.json",
		SplitDir:       "data/splitted",
		ExperimentName: DefaultExperimentName,
		Seed:           42,
		Train: TrainConfig{
			Variant:       "cnn",
			Epochs:        30,
			BatchSize:     32,
			Patience:      6,
			PlateauWindow: 3,
			PlateauFactor: 0.5,
			BackboneDir:   "models/backbone",
		},
		Serve: ServeConfig{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			DatabaseDSN: "host=postgres user=postgres password=postgres dbname=irisdx port=5432 sslmode=disable",
			RedisAddr:   "redis:6379",
			JWTSecret:   "dev-secret",
			UploadsDir:  "uploads",
		},
	}
}

// Load reads the YAML file at path, or at $IRISDX_CONFIG when path is empty,
// over the defaults and applies environment overrides. A file named that way
// must exist. With neither set, DefaultConfigPath is read if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if uri := strings.TrimSpace(os.Getenv(EnvTrackingURI)); uri != "" {
		c.TrackingURI = uri
	}
	if name := strings.TrimSpace(os.Getenv(EnvExperimentName)); name != "" {
		c.ExperimentName = name
	}
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		c.Serve.DatabaseDSN = dsn
	}
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		c.Serve.RedisAddr = addr
	}
	if secret := os.Getenv(EnvJWTSecret); secret != "" {
		c.Serve.JWTSecret = secret
	}
	if aud := os.Getenv(EnvJWTAudience); aud != "" {
		c.Serve.JWTAudience = aud
	}
	if addr := os.Getenv(EnvHTTPAddr); addr != "" {
		c.Serve.HTTPAddr = addr
	}
	if addr := os.Getenv(EnvGRPCAddr); addr != "" {
		c.Serve.GRPCAddr = addr
	}
}

// Validate checks the fields every stage relies on.
func (c *Config) Validate() error {
	if c.RawDir == "" {
		return errors.New("raw_dir is required")
	}
	if c.ProcessedPath == "" {
		return errors.New("processed_path is required")
	}
	if c.ModelsDir == "" {
		return errors.New("models_dir is required")
	}
	if c.ArtifactsDir == "" {
		return errors.New("artifacts_dir is required")
	}
	if c.ExperimentName == "" {
		return errors.New("experiment_name is required")
	}
	switch c.Train.Variant {
	case "cnn", "transfer":
	default:
		return fmt.Errorf("unknown model variant %q", c.Train.Variant)
	}
	if c.Train.Epochs < 1 {
		return fmt.Errorf("epochs must be positive, got %d", c.Train.Epochs)
	}
	if c.Train.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.Train.BatchSize)
	}
	if c.Train.PlateauFactor <= 0 || c.Train.PlateauFactor >= 1 {
		return fmt.Errorf("plateau factor must be in (0,1), got %g", c.Train.PlateauFactor)
	}
	return nil
}

// TrackingEnabled reports whether an experiment-tracking endpoint is configured.
func (c *Config) TrackingEnabled() bool {
	return strings.TrimSpace(c.TrackingURI) != ""
}

// Augment reports whether the training set is augmented every epoch. The
// transfer variant augments unless told otherwise.
func (t TrainConfig) Augment() bool {
	if t.AugmentTrain != nil {
		return *t.AugmentTrain
	}
	return t.Variant == "transfer"
}
