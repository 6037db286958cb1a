package common

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dargueta/tinyfs/errors"
)

// StreamDevice is an abstraction layer around a stream to make it look like a
// block device, e.g. a file that can only be read from or written to in units
// of its fundamental unit, a "block".
type StreamDevice struct {
	bytesPerBlock uint
	totalBlocks   uint
	// startOffset is an offset from the beginning of the stream, in bytes, that
	// will be considered the beginning of block 0 for the device.
	startOffset int64
	stream      io.ReadWriteSeeker
	// Seeking and transferring must happen together.
	lock sync.Mutex
}

// NewStreamDevice creates a block device on top of `stream`. The stream must be
// at least `bytesPerBlock * totalBlocks` bytes long, or become so when written
// to.
func NewStreamDevice(
	stream io.ReadWriteSeeker, bytesPerBlock, totalBlocks uint,
) *StreamDevice {
	return NewStreamDeviceAtOffset(stream, bytesPerBlock, totalBlocks, 0)
}

// NewStreamDeviceAtOffset is like [NewStreamDevice] but block 0 begins at byte
// `startOffset` of the stream. This is useful for skipping over headers or
// other volumes stored in the same image.
func NewStreamDeviceAtOffset(
	stream io.ReadWriteSeeker, bytesPerBlock, totalBlocks uint, startOffset int64,
) *StreamDevice {
	return &StreamDevice{
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
		startOffset:   startOffset,
		stream:        stream,
	}
}

// DetermineBlockCount gives the total number of blocks in a stream, rounded down
// to the nearest block.
func DetermineBlockCount(stream io.Seeker, bytesPerBlock uint) (uint, error) {
	offset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return uint(offset / int64(bytesPerBlock)), nil
}

// OpenImageFile opens the image file at `path` as a block device, creating it
// with `totalBlocks` zeroed blocks if it doesn't exist yet.
//
// If `totalBlocks` is 0, an existing image is used at whatever size it is,
// rounded down to a whole block. An existing image smaller than `totalBlocks`
// blocks is extended with zeroes.
func OpenImageFile(path string, bytesPerBlock, totalBlocks uint) (*StreamDevice, error) {
	if bytesPerBlock == 0 {
		return nil, errors.ErrInvalidArgument.WithMessage("block size can't be 0")
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	currentBlocks, err := DetermineBlockCount(file, bytesPerBlock)
	if err != nil {
		file.Close()
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	if totalBlocks == 0 {
		if currentBlocks == 0 {
			file.Close()
			return nil, errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("image %q is empty and no size was given", path))
		}
		totalBlocks = currentBlocks
	} else if currentBlocks < totalBlocks {
		err = file.Truncate(int64(totalBlocks) * int64(bytesPerBlock))
		if err != nil {
			file.Close()
			return nil, errors.ErrIOFailed.Wrap(err)
		}
	}

	return NewStreamDevice(file, bytesPerBlock, totalBlocks), nil
}

// BytesPerBlock gives the size of a block on this device, in bytes.
func (device *StreamDevice) BytesPerBlock() uint {
	return device.bytesPerBlock
}

// TotalBlocks is the total number of blocks in this device.
func (device *StreamDevice) TotalBlocks() uint {
	return device.totalBlocks
}

// BlockToStreamOffset converts a block index into a byte offset into the
// backing I/O stream.
func (device *StreamDevice) BlockToStreamOffset(index PhysicalBlock) (int64, error) {
	if uint(index) >= device.totalBlocks {
		return -1, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"invalid block %d: not in range [0, %d)", index, device.totalBlocks))
	}
	return device.startOffset + int64(index)*int64(device.bytesPerBlock), nil
}

// checkIO checks that a whole block can be transferred between `buffer` and
// block `index`, and returns the stream offset of the block.
func (device *StreamDevice) checkIO(index PhysicalBlock, buffer []byte) (int64, error) {
	if uint(len(buffer)) != device.bytesPerBlock {
		return -1, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"buffer must be exactly one block (%d B), got %d",
				device.bytesPerBlock,
				len(buffer)))
	}
	return device.BlockToStreamOffset(index)
}

// ReadBlock fills `buffer` with the contents of block `index`.
func (device *StreamDevice) ReadBlock(index PhysicalBlock, buffer []byte) error {
	offset, err := device.checkIO(index, buffer)
	if err != nil {
		return err
	}

	device.lock.Lock()
	defer device.lock.Unlock()

	_, err = device.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	_, err = io.ReadFull(device.stream, buffer)
	if err != nil {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("short read of block %d", index)).Wrap(err)
	}
	return nil
}

// WriteBlock writes `buffer` to block `index`.
func (device *StreamDevice) WriteBlock(index PhysicalBlock, buffer []byte) error {
	offset, err := device.checkIO(index, buffer)
	if err != nil {
		return err
	}

	device.lock.Lock()
	defer device.lock.Unlock()

	_, err = device.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	written, err := device.stream.Write(buffer)
	if err != nil {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to write block %d", index)).Wrap(err)
	}
	if written != len(buffer) {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"short write of block %d: %d of %d bytes", index, written, len(buffer)))
	}
	return nil
}

// Sync commits the stream to stable storage if it supports that, and does
// nothing otherwise.
func (device *StreamDevice) Sync() error {
	syncer, ok := device.stream.(Syncer)
	if !ok {
		return nil
	}

	device.lock.Lock()
	defer device.lock.Unlock()
	if err := syncer.Sync(); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Close closes the underlying stream if it's an [io.Closer].
func (device *StreamDevice) Close() error {
	closer, ok := device.stream.(io.Closer)
	if !ok {
		return nil
	}
	return closer.Close()
}
