// Package blockcache provides a write-through block cache that sits in front of
// a [common.BlockDevice]. Reads of a block are served from memory once the
// block has been fetched; writes always go to the backing storage first.
//
// All block indices begin at 0.
package blockcache

import (
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
)

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the backing storage into `buffer`. The following guarantees
// apply:
//
// - `blockIndex` is in the range [0, TotalBlocks).
// - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex c.PhysicalBlock, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. All restrictions and
// guarantees in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(blockIndex c.PhysicalBlock, buffer []byte) error

// CachedDevice implements [common.BlockDevice].
type CachedDevice struct {
	loadedBlocks  bitmap.Bitmap
	blocks        [][]byte
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	bytesPerBlock uint
	totalBlocks   uint
	hits          uint64
	misses        uint64
	lock          sync.Mutex
}

// New creates a new CachedDevice from a pair of callbacks.
//
//   - `fetchCb` reads a single block from the backing storage.
//   - `flushCb` writes a single block to the backing storage.
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
) *CachedDevice {
	return &CachedDevice{
		loadedBlocks:  bitmap.NewSlice(int(totalBlocks)),
		blocks:        make([][]byte, totalBlocks),
		fetch:         fetchCb,
		flush:         flushCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// WrapDevice creates a [CachedDevice] in front of any other block device.
func WrapDevice(device c.BlockDevice) *CachedDevice {
	return New(
		device.BytesPerBlock(),
		device.TotalBlocks(),
		device.ReadBlock,
		device.WriteBlock,
	)
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *CachedDevice) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the device, in blocks.
func (cache *CachedDevice) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the device, in bytes (not blocks!).
func (cache *CachedDevice) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// checkBounds verifies that `buffer` can be transferred to or from block
// `index`. If not, it returns an error describing the exact conditions.
func (cache *CachedDevice) checkBounds(index c.PhysicalBlock, buffer []byte) error {
	if uint(index) >= cache.totalBlocks {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"invalid block number: %d not in range [0, %d)",
				index,
				cache.totalBlocks,
			),
		)
	}
	if uint(len(buffer)) != cache.bytesPerBlock {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"buffer must be exactly one block (%d B), got %d",
				cache.bytesPerBlock,
				len(buffer),
			),
		)
	}
	return nil
}

// ReadBlock fills `buffer` with the contents of block `index`, fetching it from
// the backing storage if it isn't in the cache yet.
func (cache *CachedDevice) ReadBlock(index c.PhysicalBlock, buffer []byte) error {
	err := cache.checkBounds(index, buffer)
	if err != nil {
		return err
	}

	cache.lock.Lock()
	defer cache.lock.Unlock()

	if cache.loadedBlocks.Get(int(index)) {
		cache.hits++
		copy(buffer, cache.blocks[index])
		return nil
	}

	cache.misses++
	data := make([]byte, cache.bytesPerBlock)
	err = cache.fetch(index, data)
	if err != nil {
		return errors.CastToDriverError(err).WithMessage(
			fmt.Sprintf("failed to load block %d from source", index))
	}

	cache.blocks[index] = data
	cache.loadedBlocks.Set(int(index), true)
	copy(buffer, data)
	return nil
}

// WriteBlock writes `buffer` to the backing storage and, if that succeeds,
// replaces the cached copy of the block. If the write fails the cached copy is
// dropped, since we don't know what state the storage is in.
func (cache *CachedDevice) WriteBlock(index c.PhysicalBlock, buffer []byte) error {
	err := cache.checkBounds(index, buffer)
	if err != nil {
		return err
	}

	cache.lock.Lock()
	defer cache.lock.Unlock()

	err = cache.flush(index, buffer)
	if err != nil {
		cache.evict(index)
		return errors.CastToDriverError(err).WithMessage(
			fmt.Sprintf("failed to flush block %d to storage", index))
	}

	data := cache.blocks[index]
	if data == nil {
		data = make([]byte, cache.bytesPerBlock)
		cache.blocks[index] = data
	}
	copy(data, buffer)
	cache.loadedBlocks.Set(int(index), true)
	return nil
}

func (cache *CachedDevice) evict(index c.PhysicalBlock) {
	cache.loadedBlocks.Set(int(index), false)
	cache.blocks[index] = nil
}

// Invalidate drops every cached block. The next read of any block goes to the
// backing storage.
func (cache *CachedDevice) Invalidate() {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	for i := range cache.blocks {
		if cache.blocks[i] != nil {
			cache.evict(c.PhysicalBlock(i))
		}
	}
}

// IsLoaded returns true if block `index` is currently held in memory.
func (cache *CachedDevice) IsLoaded(index c.PhysicalBlock) bool {
	if uint(index) >= cache.totalBlocks {
		return false
	}

	cache.lock.Lock()
	defer cache.lock.Unlock()
	return cache.loadedBlocks.Get(int(index))
}

// Stats returns the number of reads served from memory and the number that had
// to go to the backing storage.
func (cache *CachedDevice) Stats() (hits, misses uint64) {
	cache.lock.Lock()
	defer cache.lock.Unlock()
	return cache.hits, cache.misses
}
