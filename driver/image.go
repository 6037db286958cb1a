package driver

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/dargueta/tinyfs/file_systems/common/blockcache"
	"github.com/dargueta/tinyfs/file_systems/tfs"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/bytesextra"
)

// ImageOptions controls how an image is opened, and its geometry if it has to
// be created. Zero values are replaced with the tfs defaults.
type ImageOptions struct {
	BlockSize     uint
	MaxInodes     uint
	MaxDataBlocks uint
	// UseCache puts a write-through block cache in front of the device.
	UseCache bool
	ReadOnly bool
	Mount    tfs.MountOptions
	Logger   *slog.Logger
}

func (options *ImageOptions) geometry() (tfs.Superblock, error) {
	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = tfs.DefaultBlockSize
	}
	maxInodes := options.MaxInodes
	if maxInodes == 0 {
		maxInodes = min(tfs.DefaultMaxInodes, blockSize*8)
	}
	maxDataBlocks := options.MaxDataBlocks
	if maxDataBlocks == 0 {
		maxDataBlocks = min(tfs.DefaultMaxDataBlocks, blockSize*8)
	}
	return tfs.NewSuperblock(blockSize, maxInodes, maxDataBlocks)
}

// Image is a mounted volume along with the device it lives on.
type Image struct {
	*Driver
	// Created is true if the image didn't exist before and was just formatted.
	Created bool
	stream  *c.StreamDevice
	cache   *blockcache.CachedDevice
}

// OpenImage mounts the volume in the image file at `path`. If the file doesn't
// exist or is empty, it's created and formatted with the geometry given in
// `options`. Otherwise the geometry options are ignored and the block size is
// read from the image; if a block size is given anyway, it must match.
func OpenImage(path string, options ImageOptions) (*Image, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	info, statErr := os.Stat(path)
	if statErr != nil && !os.IsNotExist(statErr) {
		return nil, errors.ErrIOFailed.Wrap(statErr)
	}
	create := statErr != nil || info.Size() == 0

	geometry, err := options.geometry()
	if err != nil {
		return nil, err
	}

	blockSize := geometry.BlockSize
	totalBlocks := uint(0)
	if create {
		if options.ReadOnly {
			return nil, errors.ErrReadOnlyFileSystem.WithMessage(
				fmt.Sprintf("image %q doesn't exist and can't be created read-only", path))
		}
		totalBlocks = geometry.TotalBlocks
		logger.Info("creating image", "path", path, "blocks", totalBlocks)
	} else if probed, err := probeBlockSize(path); err != nil {
		// Mounting will fail with a better explanation.
		logger.Warn("can't determine the block size of the image", "path", path, "error", err)
	} else if options.BlockSize != 0 && options.BlockSize != probed {
		return nil, errors.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"image %q has %d-byte blocks, expected %d",
				path,
				probed,
				options.BlockSize))
	} else {
		blockSize = probed
	}

	stream, err := c.OpenImageFile(path, blockSize, totalBlocks)
	if err != nil {
		return nil, err
	}

	image, err := newImage(stream, create, &geometry, options, logger)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return image, nil
}

func probeBlockSize(path string) (uint, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, errors.ErrIOFailed.Wrap(err)
	}
	defer file.Close()
	return tfs.ProbeBlockSize(file)
}

// NewMemoryImage creates and formats a volume that only exists in memory. It's
// gone once the image is closed.
func NewMemoryImage(options ImageOptions) (*Image, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	geometry, err := options.geometry()
	if err != nil {
		return nil, err
	}

	backing := make([]byte, geometry.BlockSize*geometry.TotalBlocks)
	stream := c.NewStreamDevice(
		bytesextra.NewReadWriteSeeker(backing),
		geometry.BlockSize,
		geometry.TotalBlocks,
	)
	options.ReadOnly = false
	return newImage(stream, true, &geometry, options, logger)
}

func newImage(
	stream *c.StreamDevice,
	format bool,
	geometry *tfs.Superblock,
	options ImageOptions,
	logger *slog.Logger,
) (*Image, error) {
	image := &Image{Created: format, stream: stream}

	var device c.BlockDevice = stream
	if options.UseCache {
		image.cache = blockcache.WrapDevice(stream)
		device = image.cache
	}

	fs := tfs.New(device)
	if format {
		err := fs.Format(tfs.FormatOptions{
			MaxInodes:     geometry.MaxInodes,
			MaxDataBlocks: geometry.MaxDataBlocks,
			Uid:           options.Mount.Uid,
			Gid:           options.Mount.Gid,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
	}

	mountOptions := options.Mount
	if mountOptions.Logger == nil {
		mountOptions.Logger = logger
	}
	if err := fs.Mount(mountOptions); err != nil {
		return nil, err
	}

	image.Driver = New(fs, options.ReadOnly)
	return image, nil
}

// Device returns the block device the volume is mounted from.
func (image *Image) Device() c.BlockDevice {
	if image.cache != nil {
		return image.cache
	}
	return image.stream
}

// CacheStats returns the hit and miss counts of the block cache. `ok` is false
// if the image was opened without one.
func (image *Image) CacheStats() (hits, misses uint64, ok bool) {
	if image.cache == nil {
		return 0, 0, false
	}
	hits, misses = image.cache.Stats()
	return hits, misses, true
}

// Close unmounts the volume and closes the image file.
func (image *Image) Close() error {
	var result *multierror.Error
	if err := image.fs.Unmount(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := image.stream.Sync(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := image.stream.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		return errors.ErrIOFailed.WithMessage("failed to close image").Wrap(result)
	}
	return nil
}
