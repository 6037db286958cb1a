package tfs_test

import (
	"testing"

	"github.com/boljen/go-bitmap"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/dargueta/tinyfs/file_systems/tfs"
	tfstest "github.com/dargueta/tinyfs/testing"
	"github.com/stretchr/testify/require"
)

// Small geometry used throughout the tests: 512-byte blocks give 2 inodes and
// 2 directory entries per block, 128 pointers per indirect block, and 8 KiB of
// direct capacity per file.
const testBlockSize = 512
const testMaxInodes = 32
const testMaxDataBlocks = 200
const testDeviceBlocks = 256

type testImage struct {
	backing []byte
	device  *c.StreamDevice
	fs      *tfs.FileSystem
}

// newFormattedImage formats an in-memory device and returns the unmounted file
// system along with the raw bytes of the image.
func newFormattedImage(t *testing.T, maxInodes, maxDataBlocks uint) *testImage {
	backing := make([]byte, testBlockSize*testDeviceBlocks)
	device := tfstest.NewMemoryDevice(testBlockSize, testDeviceBlocks, backing, t)

	fs := tfs.New(device)
	err := fs.Format(tfs.FormatOptions{MaxInodes: maxInodes, MaxDataBlocks: maxDataBlocks})
	require.NoError(t, err, "formatting failed")

	return &testImage{backing: backing, device: device, fs: fs}
}

// newMountedFS formats and mounts a file system with the default test geometry.
func newMountedFS(t *testing.T, options tfs.MountOptions) *testImage {
	image := newFormattedImage(t, testMaxInodes, testMaxDataBlocks)
	require.NoError(t, image.fs.Mount(options), "mounting failed")
	return image
}

func (image *testImage) rawBlock(block c.PhysicalBlock) []byte {
	start := uint(block) * testBlockSize
	return image.backing[start : start+testBlockSize]
}

// inodeBitOnDisk reads the inode's bit straight from the image.
func (image *testImage) inodeBitOnDisk(ino tfs.Inumber) bool {
	return bitmap.Get(image.rawBlock(tfs.InodeBitmapBlock), int(ino))
}

// blockBitOnDisk reads the data block's bit straight from the image.
func (image *testImage) blockBitOnDisk(sb *tfs.Superblock, block c.PhysicalBlock) bool {
	return bitmap.Get(image.rawBlock(tfs.DataBitmapBlock), int(block-sb.DataRegionStart))
}

// componentStack is the set of core components over one formatted device, for
// testing them without going through FileSystem.
type componentStack struct {
	image     *testImage
	sb        tfs.Superblock
	allocator *tfs.Allocator
	inodes    *tfs.InodeTable
	data      *tfs.FileDataAccessor
	dirs      *tfs.DirectoryStore
	paths     *tfs.PathResolver
}

func newComponentStack(t *testing.T, maxInodes, maxDataBlocks uint) *componentStack {
	image := newFormattedImage(t, maxInodes, maxDataBlocks)

	buffer := make([]byte, testBlockSize)
	require.NoError(t, image.device.ReadBlock(tfs.SuperblockBlock, buffer))
	sb, err := tfs.DecodeSuperblock(buffer)
	require.NoError(t, err)

	allocator, err := tfs.LoadAllocator(image.device, &sb, nil)
	require.NoError(t, err)

	inodes := tfs.NewInodeTable(image.device, &sb)
	data := tfs.NewFileDataAccessor(image.device, allocator, inodes, &sb)
	dirs := tfs.NewDirectoryStore(image.device, inodes, data, allocator, &sb)

	return &componentStack{
		image:     image,
		sb:        sb,
		allocator: allocator,
		inodes:    inodes,
		data:      data,
		dirs:      dirs,
		paths:     tfs.NewPathResolver(inodes, dirs),
	}
}

func (stack *componentStack) root(t *testing.T) tfs.Inode {
	root, err := stack.inodes.Read(tfs.RootInumber)
	require.NoError(t, err)
	return root
}

// newInode allocates and writes an empty inode of the given type.
func (stack *componentStack) newInode(t *testing.T, fileType tfs.FileType) tfs.Inode {
	ino, err := stack.allocator.AllocateInode()
	require.NoError(t, err)

	mode := uint32(0o100644)
	if fileType == tfs.TypeDirectory {
		mode = 0o040755
	}
	inode := tfs.NewInode(ino, fileType, mode, 0, 0, fixedTime)
	require.NoError(t, stack.inodes.Write(&inode))
	return inode
}
