// Package common contains definitions of fundamental types and functions used
// across the file system implementation and its block devices.
package common

import "math"

// LogicalBlock is the index of a block relative to the beginning of a single
// object, e.g. the third block of a file is logical block 2 regardless of where
// it lives on the device.
type LogicalBlock uint

// PhysicalBlock is the absolute index of a block on the device.
type PhysicalBlock uint32

const InvalidLogicalBlock = LogicalBlock(math.MaxUint)
const InvalidPhysicalBlock = PhysicalBlock(math.MaxUint32)

// BlockDevice is a fixed-size array of equal-size blocks.
//
// Both I/O methods require `buffer` to be exactly BytesPerBlock() bytes, and
// fail with [errors.ErrIOFailed] if the index is out of range or the transfer
// is short.
type BlockDevice interface {
	BytesPerBlock() uint
	TotalBlocks() uint
	ReadBlock(index PhysicalBlock, buffer []byte) error
	WriteBlock(index PhysicalBlock, buffer []byte) error
}

// Syncer is implemented by streams that can commit buffered writes to stable
// storage, like [os.File.Sync].
type Syncer interface {
	Sync() error
}
