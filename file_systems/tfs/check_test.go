package tfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/boljen/go-bitmap"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/dargueta/tinyfs/file_systems/tfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// populate builds a small tree with files in and out of the indirect range.
func populate(t *testing.T, fs *tfs.FileSystem) {
	require.NoError(t, fs.MakeDirectory("/d", 0o755))
	require.NoError(t, fs.MakeDirectory("/d/e", 0o755))
	require.NoError(t, fs.CreateFile("/d/small", 0o644))
	require.NoError(t, fs.CreateFile("/d/e/big", 0o644))
	require.NoError(t, fs.CreateFile("/empty", 0o644))

	_, err := fs.WriteFile("/d/small", 0, pattern(100))
	require.NoError(t, err)
	_, err = fs.WriteFile("/d/e/big", 0, pattern(20*testBlockSize))
	require.NoError(t, err)
}

// remount unmounts the file system, lets `corrupt` modify the raw image, and
// mounts it again.
func remount(t *testing.T, image *testImage, corrupt func()) {
	require.NoError(t, image.fs.Unmount())
	corrupt()
	require.NoError(t, image.fs.Mount(tfs.MountOptions{}))
}

func TestCheck__Clean(t *testing.T) {
	image := newMountedFS(t, tfs.MountOptions{})
	populate(t, image.fs)

	report, err := image.fs.Check()
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
	// Root, two directories, three files.
	assert.EqualValues(t, 6, report.ReachableInodes)
	// One entry block for each directory, one block for "small", and 20 data
	// blocks plus an indirect block for "big".
	assert.EqualValues(t, 25, report.ReachableBlocks)

	fsStat, err := image.fs.FSStat()
	require.NoError(t, err)
	assert.EqualValues(t, testMaxDataBlocks-25, fsStat.BlocksFree)
}

func TestCheck__LeakedInodeAndBlock(t *testing.T) {
	image := newMountedFS(t, tfs.MountOptions{})
	populate(t, image.fs)
	sb, err := image.fs.Superblock()
	require.NoError(t, err)

	remount(t, image, func() {
		bitmap.Set(image.rawBlock(tfs.InodeBitmapBlock), testMaxInodes-1, true)
		bitmap.Set(image.rawBlock(tfs.DataBitmapBlock), testMaxDataBlocks-1, true)
	})

	report, err := image.fs.Check()
	require.NoError(t, err)
	assert.ElementsMatch(
		t,
		[]string{
			"inode 31 is allocated but unreachable",
			"block 218 is allocated but unreachable",
		},
		report.Problems)
	assert.EqualValues(t, 19, sb.DataRegionStart)
}

func TestCheck__BlockMarkedFree(t *testing.T) {
	image := newMountedFS(t, tfs.MountOptions{})
	populate(t, image.fs)
	sb, err := image.fs.Superblock()
	require.NoError(t, err)

	stat, err := image.fs.GetAttributes("/d/small")
	require.NoError(t, err)

	remount(t, image, func() {
		// small's only block is the first in its inode's direct pointers.
		block := readDirectPointer(t, image, &sb, tfs.Inumber(stat.InodeNumber), 0)
		bitmap.Set(image.rawBlock(tfs.DataBitmapBlock), int(block-sb.DataRegionStart), false)
	})

	report, err := image.fs.Check()
	require.NoError(t, err)
	require.Len(t, report.Problems, 1)
	assert.Contains(t, report.Problems[0], "but marked free")
}

func TestCheck__DoubleReference(t *testing.T) {
	image := newMountedFS(t, tfs.MountOptions{})
	populate(t, image.fs)
	sb, err := image.fs.Superblock()
	require.NoError(t, err)

	small, err := image.fs.GetAttributes("/d/small")
	require.NoError(t, err)
	empty, err := image.fs.GetAttributes("/empty")
	require.NoError(t, err)

	remount(t, image, func() {
		block := readDirectPointer(t, image, &sb, tfs.Inumber(small.InodeNumber), 0)
		writeDirectPointer(t, image, &sb, tfs.Inumber(empty.InodeNumber), 0, block)
	})

	report, err := image.fs.Check()
	require.NoError(t, err)
	require.Len(t, report.Problems, 1)
	assert.Contains(t, report.Problems[0], "referenced more than once")
}

func TestCheck__PointerOutsideDataRegion(t *testing.T) {
	image := newMountedFS(t, tfs.MountOptions{})
	populate(t, image.fs)
	sb, err := image.fs.Superblock()
	require.NoError(t, err)

	empty, err := image.fs.GetAttributes("/empty")
	require.NoError(t, err)

	remount(t, image, func() {
		writeDirectPointer(t, image, &sb, tfs.Inumber(empty.InodeNumber), 3, tfs.InodeTableStart)
	})

	report, err := image.fs.Check()
	require.NoError(t, err)
	require.Len(t, report.Problems, 1)
	assert.Contains(t, report.Problems[0], "outside the data region")
}

func TestCheck__DirectorySizeMismatch(t *testing.T) {
	image := newMountedFS(t, tfs.MountOptions{})
	populate(t, image.fs)
	sb, err := image.fs.Superblock()
	require.NoError(t, err)

	dir, err := image.fs.GetAttributes("/d")
	require.NoError(t, err)

	remount(t, image, func() {
		record := inodeRecord(image, &sb, tfs.Inumber(dir.InodeNumber))
		binary.LittleEndian.PutUint64(record[8:16], 5*tfs.DirentSize)
	})

	report, err := image.fs.Check()
	require.NoError(t, err)
	require.Len(t, report.Problems, 1)
	assert.Contains(t, report.Problems[0], "live entries")
}

// inodeRecord returns the raw bytes of an inode's record in the image.
func inodeRecord(image *testImage, sb *tfs.Superblock, ino tfs.Inumber) []byte {
	perBlock := sb.InodesPerBlock()
	block := image.rawBlock(sb.InodeTableStart + c.PhysicalBlock(uint(ino)/perBlock))
	offset := (uint(ino) % perBlock) * tfs.InodeSize
	return block[offset : offset+tfs.InodeSize]
}

// Direct pointers start 56 bytes into an inode record.
const directPointersOffset = 56

func readDirectPointer(
	t *testing.T, image *testImage, sb *tfs.Superblock, ino tfs.Inumber, slot int,
) c.PhysicalBlock {
	record := inodeRecord(image, sb, ino)
	block := c.PhysicalBlock(binary.LittleEndian.Uint32(record[directPointersOffset+4*slot:]))
	require.NotEqual(t, tfs.InvalidBlock, block, "inode %d has no block in slot %d", ino, slot)
	return block
}

func writeDirectPointer(
	t *testing.T,
	image *testImage,
	sb *tfs.Superblock,
	ino tfs.Inumber,
	slot int,
	block c.PhysicalBlock,
) {
	record := inodeRecord(image, sb, ino)
	require.Equal(
		t,
		uint32(tfs.InvalidBlock),
		binary.LittleEndian.Uint32(record[directPointersOffset+4*slot:]),
		"slot %d of inode %d is in use",
		slot,
		ino)
	binary.LittleEndian.PutUint32(record[directPointersOffset+4*slot:], uint32(block))
}
