package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dargueta/tinyfs/config"
	"github.com/dargueta/tinyfs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "tinyfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad__MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")

	loaded, err := config.Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), *loaded)

	_, err = config.Load(path, true)
	assert.ErrorIs(t, err, errors.ErrIOFailed)
}

func TestLoad__File(t *testing.T) {
	path := writeConfigFile(t, `
image: /tmp/volume.tfs
blockSize: 1024
inodes: 64
dataBlocks: 512
cache: true
reclaimDirectoryBlocks: true
uid: 1000
gid: 100
logLevel: debug
`)

	loaded, err := config.Load(path, true)
	require.NoError(t, err)
	assert.Equal(
		t,
		config.Config{
			Image:                  "/tmp/volume.tfs",
			BlockSize:              1024,
			Inodes:                 64,
			DataBlocks:             512,
			Cache:                  true,
			ReclaimDirectoryBlocks: true,
			Uid:                    1000,
			Gid:                    100,
			LogLevel:               "debug",
		},
		*loaded,
	)
	assert.NoError(t, loaded.Validate())
}

func TestLoad__UnknownKey(t *testing.T) {
	path := writeConfigFile(t, "image: a.tfs\nblocksize: 1024\n")
	_, err := config.Load(path, true)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestLoad__EnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "image: from-file.tfs\ninodes: 64\n")
	t.Setenv("TINYFS_IMAGE", "from-env.tfs")
	t.Setenv("TINYFS_UPDATE_ACCESS_TIME", "true")

	loaded, err := config.Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "from-env.tfs", loaded.Image)
	assert.EqualValues(t, 64, loaded.Inodes, "unset variable clobbered the file")
	assert.True(t, loaded.UpdateAccessTime)
}

func TestLoad__BadEnvironment(t *testing.T) {
	t.Setenv("TINYFS_INODES", "lots")
	_, err := config.Load("", false)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("TINYFS_CONFIG_FILE", "/etc/tinyfs.yaml")
	assert.Equal(t, "/etc/tinyfs.yaml", config.DefaultPath())
}

func TestValidate(t *testing.T) {
	tests := map[string]config.Config{
		"BadBlockSize":    {BlockSize: 700},
		"TinyBlockSize":   {BlockSize: 256},
		"OneInode":        {Inodes: 1},
		"TooManyInodes":   {BlockSize: 512, Inodes: 4097},
		"TooManyBlocks":   {BlockSize: 512, DataBlocks: 4097},
		"UnknownLogLevel": {LogLevel: "chatty"},
	}

	for name, cfg := range tests {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidArgument)
		})
	}

	valid := config.Config{BlockSize: 512, Inodes: 4096, DataBlocks: 4096, LogLevel: "INFO"}
	assert.NoError(t, valid.Validate())
}

func TestLevel(t *testing.T) {
	cfg := config.Config{}
	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	cfg.LogLevel = "error"
	level, err = cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, level)
}

func TestImageOptions(t *testing.T) {
	cfg := config.Config{
		BlockSize:        1024,
		Cache:            true,
		UpdateAccessTime: true,
		Uid:              7,
		Gid:              8,
	}
	logger := slog.Default()

	options := cfg.ImageOptions(logger)
	assert.EqualValues(t, 1024, options.BlockSize)
	assert.True(t, options.UseCache)
	assert.True(t, options.Mount.UpdateAccessTime)
	assert.False(t, options.Mount.ReclaimDirectoryBlocks)
	assert.EqualValues(t, 7, options.Mount.Uid)
	assert.EqualValues(t, 8, options.Mount.Gid)
	assert.Same(t, logger, options.Logger)
}
