package tfs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
)

// Allocator owns the inode and data bitmaps. Every change to a bitmap is
// written to the device before the allocating or freeing call returns.
//
// A set bit means the inode or block is in use. Bit `i` of the data bitmap
// corresponds to device block `DataRegionStart + i`.
type Allocator struct {
	device          c.BlockDevice
	inodeBitmap     bitmap.Bitmap
	dataBitmap      bitmap.Bitmap
	inodeBitmapAt   c.PhysicalBlock
	dataBitmapAt    c.PhysicalBlock
	maxInodes       uint
	maxDataBlocks   uint
	dataRegionStart c.PhysicalBlock
	freeInodes      uint
	freeBlocks      uint
	logger          *slog.Logger
	// lock covers both bitmaps, from the search through the write to disk.
	lock sync.Mutex
}

// NewAllocator creates an allocator with every inode and block free. Nothing is
// written to the device until the first allocation or an explicit Flush().
func NewAllocator(device c.BlockDevice, sb *Superblock, logger *slog.Logger) *Allocator {
	return newAllocatorFromBitmaps(
		device,
		sb,
		make([]byte, sb.BlockSize),
		make([]byte, sb.BlockSize),
		logger,
	)
}

// LoadAllocator reads both bitmaps from the device.
func LoadAllocator(device c.BlockDevice, sb *Superblock, logger *slog.Logger) (*Allocator, error) {
	inodeBuffer := make([]byte, sb.BlockSize)
	err := device.ReadBlock(sb.InodeBitmapBlock, inodeBuffer)
	if err != nil {
		return nil, errors.CastToDriverError(err).WithMessage("failed to load inode bitmap")
	}

	dataBuffer := make([]byte, sb.BlockSize)
	err = device.ReadBlock(sb.DataBitmapBlock, dataBuffer)
	if err != nil {
		return nil, errors.CastToDriverError(err).WithMessage("failed to load data bitmap")
	}

	return newAllocatorFromBitmaps(device, sb, inodeBuffer, dataBuffer, logger), nil
}

func newAllocatorFromBitmaps(
	device c.BlockDevice,
	sb *Superblock,
	inodeBuffer []byte,
	dataBuffer []byte,
	logger *slog.Logger,
) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}

	alloc := &Allocator{
		device:          device,
		inodeBitmap:     bitmap.Bitmap(inodeBuffer),
		dataBitmap:      bitmap.Bitmap(dataBuffer),
		inodeBitmapAt:   sb.InodeBitmapBlock,
		dataBitmapAt:    sb.DataBitmapBlock,
		maxInodes:       sb.MaxInodes,
		maxDataBlocks:   sb.MaxDataBlocks,
		dataRegionStart: sb.DataRegionStart,
		logger:          logger.With("component", "allocator"),
	}

	for i := int(firstFreeInumber); i < int(sb.MaxInodes); i++ {
		if !alloc.inodeBitmap.Get(i) {
			alloc.freeInodes++
		}
	}
	for i := 0; i < int(sb.MaxDataBlocks); i++ {
		if !alloc.dataBitmap.Get(i) {
			alloc.freeBlocks++
		}
	}
	return alloc
}

// findClear returns the index of the first clear bit in [start, limit), or -1
// if all of them are set.
func findClear(bits bitmap.Bitmap, start, limit int) int {
	for i := start; i < limit; i++ {
		if !bits.Get(i) {
			return i
		}
	}
	return -1
}

// persist writes a bitmap to its block. The caller must hold the lock.
func (alloc *Allocator) persist(bits bitmap.Bitmap, block c.PhysicalBlock) error {
	return alloc.device.WriteBlock(block, bits.Data(false))
}

// setBit changes one bit and writes the bitmap out. If the write fails, the bit
// is restored to its previous value. The caller must hold the lock.
func (alloc *Allocator) setBit(
	bits bitmap.Bitmap, block c.PhysicalBlock, index int, value bool,
) error {
	bits.Set(index, value)
	err := alloc.persist(bits, block)
	if err != nil {
		bits.Set(index, !value)
		alloc.logger.Warn(
			"bitmap write failed, change rolled back",
			"block", block,
			"bit", index,
			"error", err)
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to persist bitmap block %d", block)).Wrap(err)
	}
	return nil
}

// AllocateInode reserves the lowest free inode number.
func (alloc *Allocator) AllocateInode() (Inumber, error) {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	index := findClear(alloc.inodeBitmap, int(firstFreeInumber), int(alloc.maxInodes))
	if index < 0 {
		alloc.logger.Debug("out of inodes", "max_inodes", alloc.maxInodes)
		return InvalidInumber, errors.ErrNoSpaceOnDevice.WithMessage("no free inodes")
	}

	err := alloc.setBit(alloc.inodeBitmap, alloc.inodeBitmapAt, index, true)
	if err != nil {
		return InvalidInumber, err
	}
	alloc.freeInodes--
	return Inumber(index), nil
}

// AllocateBlock reserves the lowest free block in the data region and returns
// its absolute index on the device.
func (alloc *Allocator) AllocateBlock() (c.PhysicalBlock, error) {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	index := findClear(alloc.dataBitmap, 0, int(alloc.maxDataBlocks))
	if index < 0 {
		alloc.logger.Debug("out of data blocks", "max_data_blocks", alloc.maxDataBlocks)
		return InvalidBlock, errors.ErrNoSpaceOnDevice.WithMessage("no free data blocks")
	}

	err := alloc.setBit(alloc.dataBitmap, alloc.dataBitmapAt, index, true)
	if err != nil {
		return InvalidBlock, err
	}
	alloc.freeBlocks--
	return alloc.dataRegionStart + c.PhysicalBlock(index), nil
}

// reserveInode marks a specific inode as in use. Only used when formatting.
func (alloc *Allocator) reserveInode(ino Inumber) error {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	if alloc.inodeBitmap.Get(int(ino)) {
		return errors.ErrExists.WithMessage(
			fmt.Sprintf("inode %d is already allocated", ino))
	}
	err := alloc.setBit(alloc.inodeBitmap, alloc.inodeBitmapAt, int(ino), true)
	if err != nil {
		return err
	}
	alloc.freeInodes--
	return nil
}

// FreeInode releases an inode number. Freeing an inode that isn't allocated
// fails with [errors.ErrInvalidHandle].
func (alloc *Allocator) FreeInode(ino Inumber) error {
	if ino == InvalidInumber || uint(ino) >= alloc.maxInodes {
		return errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("inode %d not in range [1, %d)", ino, alloc.maxInodes))
	}

	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	if !alloc.inodeBitmap.Get(int(ino)) {
		return errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("inode %d is already free", ino))
	}

	err := alloc.setBit(alloc.inodeBitmap, alloc.inodeBitmapAt, int(ino), false)
	if err != nil {
		return err
	}
	if ino >= firstFreeInumber {
		alloc.freeInodes++
	}
	return nil
}

// FreeBlock releases a data block, given its absolute index on the device.
// Freeing a block that isn't allocated fails with [errors.ErrInvalidHandle].
func (alloc *Allocator) FreeBlock(block c.PhysicalBlock) error {
	index, ok := alloc.dataIndex(block)
	if !ok {
		return errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf(
				"block %d not in data region [%d, %d)",
				block,
				alloc.dataRegionStart,
				uint(alloc.dataRegionStart)+alloc.maxDataBlocks))
	}

	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	if !alloc.dataBitmap.Get(index) {
		return errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("block %d is already free", block))
	}

	err := alloc.setBit(alloc.dataBitmap, alloc.dataBitmapAt, index, false)
	if err != nil {
		return err
	}
	alloc.freeBlocks++
	return nil
}

func (alloc *Allocator) dataIndex(block c.PhysicalBlock) (int, bool) {
	if block < alloc.dataRegionStart {
		return 0, false
	}
	index := uint(block - alloc.dataRegionStart)
	return int(index), index < alloc.maxDataBlocks
}

func (alloc *Allocator) IsInodeAllocated(ino Inumber) bool {
	if uint(ino) >= alloc.maxInodes {
		return false
	}

	alloc.lock.Lock()
	defer alloc.lock.Unlock()
	return alloc.inodeBitmap.Get(int(ino))
}

func (alloc *Allocator) IsBlockAllocated(block c.PhysicalBlock) bool {
	index, ok := alloc.dataIndex(block)
	if !ok {
		return false
	}

	alloc.lock.Lock()
	defer alloc.lock.Unlock()
	return alloc.dataBitmap.Get(index)
}

// FreeInodeCount gives the number of inodes that can still be allocated.
func (alloc *Allocator) FreeInodeCount() uint {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()
	return alloc.freeInodes
}

// FreeBlockCount gives the number of data blocks that can still be allocated.
func (alloc *Allocator) FreeBlockCount() uint {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()
	return alloc.freeBlocks
}

// Flush writes both bitmaps to the device.
func (alloc *Allocator) Flush() error {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()

	err := alloc.persist(alloc.inodeBitmap, alloc.inodeBitmapAt)
	if err != nil {
		return errors.CastToDriverError(err)
	}
	return errors.CastToDriverError(alloc.persist(alloc.dataBitmap, alloc.dataBitmapAt))
}

// snapshot returns copies of both bitmaps.
func (alloc *Allocator) snapshot() (inodes, blocks bitmap.Bitmap) {
	alloc.lock.Lock()
	defer alloc.lock.Unlock()
	return bitmap.Bitmap(alloc.inodeBitmap.Data(true)), bitmap.Bitmap(alloc.dataBitmap.Data(true))
}
