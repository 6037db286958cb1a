// Package config loads the settings of the tinyfs command-line tool: a YAML
// file first, then environment variables prefixed with TINYFS_ on top of it.
// Command-line flags are applied last by the caller.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dargueta/tinyfs/driver"
	"github.com/dargueta/tinyfs/errors"
	"github.com/dargueta/tinyfs/file_systems/tfs"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const (
	EnvVarPrefix = "TINYFS"
	appName      = "tinyfs"
)

type Config struct {
	// Image is the path to the image file.
	Image string `envconfig:"IMAGE" yaml:"image"`
	// BlockSize, Inodes, and DataBlocks are only used when creating an image.
	// Zero means the default.
	BlockSize              uint   `envconfig:"BLOCK_SIZE"               yaml:"blockSize"`
	Inodes                 uint   `envconfig:"INODES"                   yaml:"inodes"`
	DataBlocks             uint   `envconfig:"DATA_BLOCKS"              yaml:"dataBlocks"`
	Cache                  bool   `envconfig:"CACHE"                    yaml:"cache"`
	ReclaimDirectoryBlocks bool   `envconfig:"RECLAIM_DIRECTORY_BLOCKS" yaml:"reclaimDirectoryBlocks"`
	UpdateAccessTime       bool   `envconfig:"UPDATE_ACCESS_TIME"       yaml:"updateAccessTime"`
	Uid                    uint32 `envconfig:"UID"                      yaml:"uid"`
	Gid                    uint32 `envconfig:"GID"                      yaml:"gid"`
	LogLevel               string `envconfig:"LOG_LEVEL"                yaml:"logLevel"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{LogLevel: "warn"}
}

// DefaultPath gives the location of the configuration file when none is given
// explicitly: $TINYFS_CONFIG_FILE if set, otherwise ~/.config/tinyfs.yaml.
func DefaultPath() string {
	if path := os.Getenv(EnvVarPrefix + "_CONFIG_FILE"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName+".yaml")
}

// Load reads the configuration file at `path` and then applies the environment
// on top of it. A missing file is not an error, unless `required` is set.
func Load(path string, required bool) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if required || !os.IsNotExist(err) {
				return nil, errors.ErrIOFailed.WithMessage(
					fmt.Sprintf("reading config file %q", path)).Wrap(err)
			}
		} else if err := yaml.UnmarshalStrict(data, &config); err != nil {
			return nil, errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("unmarshaling config file %q", path)).Wrap(err)
		}
	}

	if err := envconfig.Process(EnvVarPrefix, &config); err != nil {
		return nil, errors.ErrInvalidArgument.WithMessage(
			"parsing environment variables").Wrap(err)
	}
	return &config, nil
}

// Validate checks that the values are usable. Geometry is only checked for the
// fields that were set, since the rest fall back to defaults.
func (config *Config) Validate() error {
	if _, err := config.Level(); err != nil {
		return err
	}

	if config.BlockSize != 0 {
		if config.BlockSize < tfs.MinBlockSize || config.BlockSize%tfs.InodeSize != 0 {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"blockSize / %s_BLOCK_SIZE: must be a multiple of %d and at least %d, got %d",
					EnvVarPrefix,
					tfs.InodeSize,
					tfs.MinBlockSize,
					config.BlockSize))
		}
	}

	blockSize := config.BlockSize
	if blockSize == 0 {
		blockSize = tfs.DefaultBlockSize
	}
	if config.Inodes != 0 {
		if _, err := tfs.NewSuperblock(blockSize, config.Inodes, 1); err != nil {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("inodes / %s_INODES", EnvVarPrefix)).Wrap(err)
		}
	}
	if config.DataBlocks != 0 {
		if _, err := tfs.NewSuperblock(blockSize, 2, config.DataBlocks); err != nil {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("dataBlocks / %s_DATA_BLOCKS", EnvVarPrefix)).Wrap(err)
		}
	}
	return nil
}

// Level parses LogLevel. An empty string means [slog.LevelWarn].
func (config *Config) Level() (slog.Level, error) {
	var level slog.Level
	if config.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(config.LogLevel))); err != nil {
		return level, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"logLevel / %s_LOG_LEVEL: unrecognized level %q",
				EnvVarPrefix,
				config.LogLevel))
	}
	return level, nil
}

// ImageOptions converts the configuration into options for opening the image.
func (config *Config) ImageOptions(logger *slog.Logger) driver.ImageOptions {
	return driver.ImageOptions{
		BlockSize:     config.BlockSize,
		MaxInodes:     config.Inodes,
		MaxDataBlocks: config.DataBlocks,
		UseCache:      config.Cache,
		Mount: tfs.MountOptions{
			ReclaimDirectoryBlocks: config.ReclaimDirectoryBlocks,
			UpdateAccessTime:       config.UpdateAccessTime,
			Uid:                    config.Uid,
			Gid:                    config.Gid,
			Logger:                 logger,
		},
		Logger: logger,
	}
}
