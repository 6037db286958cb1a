package tfs_test

import (
	"sync"
	"testing"

	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/dargueta/tinyfs/file_systems/tfs"
	tfstest "github.com/dargueta/tinyfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, maxInodes, maxDataBlocks uint) (*tfs.Allocator, *tfs.Superblock, []byte) {
	sb, err := tfs.NewSuperblock(testBlockSize, maxInodes, maxDataBlocks)
	require.NoError(t, err)

	backing := make([]byte, testBlockSize*sb.TotalBlocks)
	device := tfstest.NewMemoryDevice(testBlockSize, sb.TotalBlocks, backing, t)
	return tfs.NewAllocator(device, &sb, nil), &sb, backing
}

// Inode numbers 0 and 1 are never handed out; allocation starts at 2 and goes
// up in order.
func TestAllocator__AllocateInode__SkipsReserved(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, 8, 8)
	assert.EqualValues(t, 6, alloc.FreeInodeCount())

	for expected := tfs.Inumber(2); expected < 8; expected++ {
		ino, err := alloc.AllocateInode()
		require.NoError(t, err)
		assert.Equal(t, expected, ino)
		assert.True(t, alloc.IsInodeAllocated(ino))
	}

	_, err := alloc.AllocateInode()
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
	assert.EqualValues(t, 0, alloc.FreeInodeCount())
}

// Data blocks are returned as absolute device indices.
func TestAllocator__AllocateBlock__AbsoluteIndices(t *testing.T) {
	alloc, sb, _ := newTestAllocator(t, 8, 4)

	for i := uint(0); i < 4; i++ {
		block, err := alloc.AllocateBlock()
		require.NoError(t, err)
		assert.Equal(t, sb.DataRegionStart+c.PhysicalBlock(i), block)
	}

	_, err := alloc.AllocateBlock()
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
}

// Every allocation and free is on disk by the time the call returns.
func TestAllocator__Persistence(t *testing.T) {
	alloc, sb, backing := newTestAllocator(t, 16, 16)
	inodeBitmap := backing[uint(sb.InodeBitmapBlock)*testBlockSize:]
	dataBitmap := backing[uint(sb.DataBitmapBlock)*testBlockSize:]

	ino, err := alloc.AllocateInode()
	require.NoError(t, err)
	assert.EqualValues(t, 1<<2, inodeBitmap[0])

	block, err := alloc.AllocateBlock()
	require.NoError(t, err)
	assert.EqualValues(t, 1, dataBitmap[0])

	require.NoError(t, alloc.FreeInode(ino))
	assert.EqualValues(t, 0, inodeBitmap[0])
	require.NoError(t, alloc.FreeBlock(block))
	assert.EqualValues(t, 0, dataBitmap[0])
}

// Freed slots are reused lowest-first.
func TestAllocator__FreeThenReuse(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, 16, 16)

	inodes := make([]tfs.Inumber, 4)
	for i := range inodes {
		ino, err := alloc.AllocateInode()
		require.NoError(t, err)
		inodes[i] = ino
	}

	require.NoError(t, alloc.FreeInode(inodes[1]))
	assert.False(t, alloc.IsInodeAllocated(inodes[1]))

	ino, err := alloc.AllocateInode()
	require.NoError(t, err)
	assert.Equal(t, inodes[1], ino)
}

func TestAllocator__DoubleFree(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, 16, 16)

	ino, err := alloc.AllocateInode()
	require.NoError(t, err)
	require.NoError(t, alloc.FreeInode(ino))
	assert.ErrorIs(t, alloc.FreeInode(ino), errors.ErrInvalidHandle)

	block, err := alloc.AllocateBlock()
	require.NoError(t, err)
	require.NoError(t, alloc.FreeBlock(block))
	assert.ErrorIs(t, alloc.FreeBlock(block), errors.ErrInvalidHandle)
}

func TestAllocator__ReserveInode__Twice(t *testing.T) {
	alloc, _, _ := newTestAllocator(t, 16, 16)

	require.NoError(t, tfs.ReserveInode(alloc, tfs.RootInumber))
	assert.True(t, alloc.IsInodeAllocated(tfs.RootInumber))
	assert.ErrorIs(t, tfs.ReserveInode(alloc, tfs.RootInumber), errors.ErrExists)
}

func TestAllocator__FreeOutOfRange(t *testing.T) {
	alloc, sb, _ := newTestAllocator(t, 16, 16)

	assert.ErrorIs(t, alloc.FreeInode(tfs.InvalidInumber), errors.ErrInvalidHandle)
	assert.ErrorIs(t, alloc.FreeInode(16), errors.ErrInvalidHandle)
	assert.ErrorIs(t, alloc.FreeBlock(sb.DataRegionStart-1), errors.ErrInvalidHandle)
	assert.ErrorIs(t, alloc.FreeBlock(sb.DataRegionStart+16), errors.ErrInvalidHandle)
	assert.ErrorIs(t, alloc.FreeBlock(tfs.InvalidBlock), errors.ErrInvalidHandle)
}

// If the bitmap can't be written, the allocation is undone in memory too.
func TestAllocator__PersistFailureRollsBack(t *testing.T) {
	sb, err := tfs.NewSuperblock(testBlockSize, 16, 16)
	require.NoError(t, err)

	device := tfstest.NewFaultyDevice(tfstest.NewMemoryDevice(testBlockSize, sb.TotalBlocks, nil, t))
	alloc := tfs.NewAllocator(device, &sb, nil)

	device.FailWritesTo(sb.InodeBitmapBlock)
	_, err = alloc.AllocateInode()
	assert.ErrorIs(t, err, errors.ErrIOFailed)
	assert.False(t, alloc.IsInodeAllocated(2))
	assert.EqualValues(t, 14, alloc.FreeInodeCount())

	device.FailWritesTo(sb.DataBitmapBlock)
	_, err = alloc.AllocateBlock()
	assert.ErrorIs(t, err, errors.ErrIOFailed)
	assert.False(t, alloc.IsBlockAllocated(sb.DataRegionStart))
	assert.EqualValues(t, 16, alloc.FreeBlockCount())

	device.Heal()
	ino, err := alloc.AllocateInode()
	require.NoError(t, err)
	assert.EqualValues(t, 2, ino)
}

// Concurrent allocations never hand out the same index twice.
func TestAllocator__ConcurrentAllocationsAreDisjoint(t *testing.T) {
	const workers = 8
	const perWorker = 32

	alloc, sb, _ := newTestAllocator(t, workers*perWorker+2, workers*perWorker)

	var wg sync.WaitGroup
	inodeResults := make(chan tfs.Inumber, workers*perWorker)
	blockResults := make(chan c.PhysicalBlock, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ino, err := alloc.AllocateInode()
				if assert.NoError(t, err) {
					inodeResults <- ino
				}
				block, err := alloc.AllocateBlock()
				if assert.NoError(t, err) {
					blockResults <- block
				}
			}
		}()
	}
	wg.Wait()
	close(inodeResults)
	close(blockResults)

	seenInodes := map[tfs.Inumber]bool{}
	for ino := range inodeResults {
		assert.Falsef(t, seenInodes[ino], "inode %d handed out twice", ino)
		seenInodes[ino] = true
		assert.True(t, alloc.IsInodeAllocated(ino))
	}
	assert.Len(t, seenInodes, workers*perWorker)

	seenBlocks := map[c.PhysicalBlock]bool{}
	for block := range blockResults {
		assert.Falsef(t, seenBlocks[block], "block %d handed out twice", block)
		assert.True(t, sb.IsDataBlock(block))
		seenBlocks[block] = true
	}
	assert.Len(t, seenBlocks, workers*perWorker)

	assert.EqualValues(t, 0, alloc.FreeInodeCount())
	assert.EqualValues(t, 0, alloc.FreeBlockCount())
}

// Bitmaps loaded from disk match what was allocated before.
func TestLoadAllocator(t *testing.T) {
	sb, err := tfs.NewSuperblock(testBlockSize, 16, 16)
	require.NoError(t, err)
	device := tfstest.NewMemoryDevice(testBlockSize, sb.TotalBlocks, nil, t)

	alloc := tfs.NewAllocator(device, &sb, nil)
	require.NoError(t, alloc.Flush())
	ino, err := alloc.AllocateInode()
	require.NoError(t, err)
	block, err := alloc.AllocateBlock()
	require.NoError(t, err)

	loaded, err := tfs.LoadAllocator(device, &sb, nil)
	require.NoError(t, err)
	assert.True(t, loaded.IsInodeAllocated(ino))
	assert.True(t, loaded.IsBlockAllocated(block))
	assert.Equal(t, alloc.FreeInodeCount(), loaded.FreeInodeCount())
	assert.Equal(t, alloc.FreeBlockCount(), loaded.FreeBlockCount())
}
