// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"lsmkv/pkg/store"
)

// Config is the root configuration of the server binary.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	DB     DBConfig     `yaml:"db" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

// DBConfig carries every engine option.
type DBConfig struct {
	Path                    string  `yaml:"path" validate:"required"`
	MemtableSizeLimit       uint64  `yaml:"memtable_size_limit" validate:"required,min=1024"`
	SSTTargetSize           uint64  `yaml:"sst_target_size" validate:"required,min=1024"`
	SparseIndexStride       int     `yaml:"sparse_index_stride" validate:"required,min=1"`
	Level0SSTLimit          int     `yaml:"level0_sst_limit" validate:"required,min=2"`
	LevelSizeMultiplierBase uint64  `yaml:"level_size_multiplier_base" validate:"required,min=2"`
	BloomFPRate             float64 `yaml:"bloom_fp_rate" validate:"required,gt=0,lt=1"`
}

// Default returns a baseline development config.
func Default() Config {
	opts := store.DefaultOptions("./data")
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		Server: ServerConfig{Port: 8080},
		DB: DBConfig{
			Path:                    opts.Path,
			MemtableSizeLimit:       opts.MemtableSizeLimit,
			SSTTargetSize:           opts.SSTTargetSize,
			SparseIndexStride:       opts.SparseIndexStride,
			Level0SSTLimit:          opts.Level0SSTLimit,
			LevelSizeMultiplierBase: opts.LevelSizeMultiplierBase,
			BloomFPRate:             opts.BloomFPRate,
		},
	}
}

// Load reads the yaml config at path. A missing file falls back to
// Default(); a present file must validate.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the struct's validate tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StoreOptions maps the DB section onto engine options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Path:                    c.DB.Path,
		MemtableSizeLimit:       c.DB.MemtableSizeLimit,
		SSTTargetSize:           c.DB.SSTTargetSize,
		SparseIndexStride:       c.DB.SparseIndexStride,
		Level0SSTLimit:          c.DB.Level0SSTLimit,
		LevelSizeMultiplierBase: c.DB.LevelSizeMultiplierBase,
		BloomFPRate:             c.DB.BloomFPRate,
	}
}

// SetupLogger installs the global slog handler described by the config.
func SetupLogger(cfg LoggerConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
