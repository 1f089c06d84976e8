package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the detection engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Detection DetectionConfig `yaml:"detection"`
	Risk      RiskConfig      `yaml:"risk"`
	Schema    SchemaConfig    `yaml:"schema"`
	Models    ModelsConfig    `yaml:"models"`
	Sink      SinkConfig      `yaml:"sink"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// DetectionConfig controls the scoring pipeline.
type DetectionConfig struct {
	Budget           time.Duration `yaml:"budget"`
	PerModelTimeout  time.Duration `yaml:"perModelTimeout"`
	BatchConcurrency int           `yaml:"batchConcurrency"`
	TieBreakLabel    string        `yaml:"tieBreakLabel"`
	AttackCutoff     float64       `yaml:"attackCutoff"`
}

// RiskConfig controls risk banding and anomaly limits.
type RiskConfig struct {
	MediumAt        float64 `yaml:"mediumAt"`
	HighAt          float64 `yaml:"highAt"`
	CriticalAt      float64 `yaml:"criticalAt"`
	CountLimit      float64 `yaml:"countLimit"`
	SrvCountLimit   float64 `yaml:"srvCountLimit"`
	ErrorRateLimit  float64 `yaml:"errorRateLimit"`
	PacketRateLimit float64 `yaml:"packetRateLimit"`
}

// SchemaConfig points at an optional feature schema file. Empty means the
// built-in flow-v1 schema.
type SchemaConfig struct {
	Path string `yaml:"path"`
}

// ModelsConfig controls where model artifacts are loaded from.
type ModelsConfig struct {
	Dir string `yaml:"dir"`
}

// SinkConfig controls SQLite persistence of verdicts.
type SinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Buffer  int    `yaml:"buffer"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FLOWSENTRY_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8085",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Detection: DetectionConfig{
			Budget:           100 * time.Millisecond,
			PerModelTimeout:  50 * time.Millisecond,
			BatchConcurrency: 8,
			TieBreakLabel:    "normal",
			AttackCutoff:     0.5,
		},
		Risk: RiskConfig{
			MediumAt:        0.3,
			HighAt:          0.6,
			CriticalAt:      0.85,
			CountLimit:      100,
			SrvCountLimit:   50,
			ErrorRateLimit:  0.5,
			PacketRateLimit: 1000,
		},
		Models:  ModelsConfig{Dir: "configs/models"},
		Sink:    SinkConfig{Enabled: false, Path: "data/detections.db", Buffer: 256},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWSENTRY_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("FLOWSENTRY_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("FLOWSENTRY_DETECTION_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.Budget = d
		}
	}
	if v := os.Getenv("FLOWSENTRY_MODEL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.PerModelTimeout = d
		}
	}
	if v := os.Getenv("FLOWSENTRY_BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.BatchConcurrency = n
		}
	}
	if v := os.Getenv("FLOWSENTRY_TIE_BREAK_LABEL"); v != "" {
		cfg.Detection.TieBreakLabel = v
	}
	if v := os.Getenv("FLOWSENTRY_ATTACK_CUTOFF"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.AttackCutoff = f
		}
	}
	if v := os.Getenv("FLOWSENTRY_SCHEMA_PATH"); v != "" {
		cfg.Schema.Path = v
	}
	if v := os.Getenv("FLOWSENTRY_MODELS_DIR"); v != "" {
		cfg.Models.Dir = v
	}
	if v := os.Getenv("FLOWSENTRY_SINK_ENABLED"); v != "" {
		cfg.Sink.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("FLOWSENTRY_SINK_PATH"); v != "" {
		cfg.Sink.Path = v
	}
	if v := os.Getenv("FLOWSENTRY_SINK_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sink.Buffer = n
		}
	}
	if v := os.Getenv("FLOWSENTRY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLOWSENTRY_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
