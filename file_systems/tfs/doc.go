// Package tfs implements the Tiny File System, a small inode-based file system
// living on a fixed-size block device.
//
// # Layout
//
// All locations are block indices on the device:
//
//	block 0                 superblock
//	block 1                 inode bitmap
//	block 2                 data bitmap
//	blocks 3 .. 3+T-1       inode table, T = ceil(max inodes / inodes per block)
//	blocks 3+T .. end       data region, one block per bit of the data bitmap
//
// Inodes are 256 bytes. Each has 16 direct pointers and 8 pointers to indirect
// blocks, each of which holds BlockSize/4 further pointers. Every pointer is an
// absolute block index on the device; unused slots hold [InvalidBlock].
//
// Directories store fixed-size 256-byte entries in their data blocks. A cleared
// validity flag marks a free slot. Entry blocks aren't compacted when entries
// are removed; [DirectoryStore.ReclaimEmptyBlocks] frees blocks with no live
// entries left.
//
// Inode 0 is never allocated and the root directory is always inode 1.
//
// All multi-byte integers are little-endian.
package tfs
