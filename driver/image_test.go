package driver_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dargueta/tinyfs/driver"
	"github.com/dargueta/tinyfs/errors"
	"github.com/dargueta/tinyfs/file_systems/tfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenImage__CreateThenReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.tfs")

	image, err := driver.OpenImage(path, smallImage)
	require.NoError(t, err)
	assert.True(t, image.Created)

	sb, err := image.FileSystem().Superblock()
	require.NoError(t, err)
	require.NoError(t, image.MkdirAll("/etc", 0o755))
	require.NoError(t, image.WriteFile("/etc/motd", []byte("welcome"), 0o644))
	require.NoError(t, image.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, sb.TotalBlocks*sb.BlockSize, info.Size())

	// Geometry options are ignored for existing images.
	options := smallImage
	options.MaxInodes = 64
	image, err = driver.OpenImage(path, options)
	require.NoError(t, err)
	defer image.Close()
	assert.False(t, image.Created)

	reopened, err := image.FileSystem().Superblock()
	require.NoError(t, err)
	assert.Equal(t, sb, reopened)

	data, err := image.ReadFile("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, []byte("welcome"), data)
}

func TestOpenImage__BlockSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.tfs")

	image, err := driver.OpenImage(path, smallImage)
	require.NoError(t, err)
	require.NoError(t, image.Close())

	options := smallImage
	options.BlockSize = 1024
	_, err = driver.OpenImage(path, options)
	assert.ErrorIs(t, err, errors.ErrInvalidFileSystem)
}

func TestOpenImage__DetectsBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.tfs")

	image, err := driver.OpenImage(path, smallImage)
	require.NoError(t, err)
	require.NoError(t, image.WriteFile("/f", []byte("data"), 0o644))
	require.NoError(t, image.Close())

	// No geometry at all; the defaults would be 4 KiB blocks.
	image, err = driver.OpenImage(path, driver.ImageOptions{ReadOnly: true})
	require.NoError(t, err)
	defer image.Close()

	stat, err := image.FSStat()
	require.NoError(t, err)
	assert.EqualValues(t, 512, stat.BlockSize)

	data, err := image.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}

func TestOpenImage__NotAVolume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0o644))

	_, err := driver.OpenImage(path, smallImage)
	assert.Error(t, err)
}

func TestOpenImage__ReadOnlyMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.tfs")
	options := smallImage
	options.ReadOnly = true

	_, err := driver.OpenImage(path, options)
	assert.ErrorIs(t, err, errors.ErrReadOnlyFileSystem)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "image file was created anyway")
}

func TestOpenImage__BadGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.tfs")
	options := smallImage
	options.BlockSize = 700

	_, err := driver.OpenImage(path, options)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestNewMemoryImage__Defaults(t *testing.T) {
	image, err := driver.NewMemoryImage(driver.ImageOptions{})
	require.NoError(t, err)
	defer image.Close()

	sb, err := image.FileSystem().Superblock()
	require.NoError(t, err)
	assert.EqualValues(t, tfs.DefaultBlockSize, sb.BlockSize)
	assert.EqualValues(t, tfs.DefaultMaxInodes, sb.MaxInodes)
	assert.EqualValues(t, tfs.DefaultMaxDataBlocks, sb.MaxDataBlocks)
}

func TestImage__Cache(t *testing.T) {
	options := smallImage
	options.UseCache = true
	image, err := driver.NewMemoryImage(options)
	require.NoError(t, err)
	defer image.Close()

	require.NoError(t, image.WriteFile("/f", []byte("cached"), 0o644))
	for i := 0; i < 3; i++ {
		data, err := image.ReadFile("/f")
		require.NoError(t, err)
		assert.Equal(t, []byte("cached"), data)
	}

	hits, _, ok := image.CacheStats()
	require.True(t, ok)
	assert.Greater(t, hits, uint64(0))

	uncached := newMemoryImage(t)
	_, _, ok = uncached.CacheStats()
	assert.False(t, ok)
}
