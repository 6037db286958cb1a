package tfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/google/uuid"
	"github.com/noxer/bytewriter"
)

const Magic = 0x5C3A
const FormatVersion = 1

const DefaultBlockSize = 4096
const DefaultMaxInodes = 1024
const DefaultMaxDataBlocks = 16384

const SuperblockBlock = c.PhysicalBlock(0)
const InodeBitmapBlock = c.PhysicalBlock(1)
const DataBitmapBlock = c.PhysicalBlock(2)
const InodeTableStart = c.PhysicalBlock(3)

// MinBlockSize is the smallest block size a volume can be formatted with. Block
// sizes must also be a multiple of [InodeSize].
const MinBlockSize = 512

type rawSuperblock struct {
	Magic            uint16
	Version          uint16
	BlockSize        uint32
	TotalBlocks      uint32
	MaxInodes        uint32
	MaxDataBlocks    uint32
	InodeBitmapBlock uint32
	DataBitmapBlock  uint32
	InodeTableStart  uint32
	DataRegionStart  uint32
	VolumeID         [16]byte
}

// Superblock describes where every region of the volume is. It's written once
// when the volume is formatted and never changes afterwards.
type Superblock struct {
	Magic   uint16
	Version uint16
	// BlockSize is the size of one block on the device, in bytes.
	BlockSize uint
	// TotalBlocks is the number of blocks the volume occupies, from the
	// superblock to the end of the data region.
	TotalBlocks uint
	// MaxInodes is the number of inode numbers, including the reserved inode 0.
	MaxInodes        uint
	MaxDataBlocks    uint
	InodeBitmapBlock c.PhysicalBlock
	DataBitmapBlock  c.PhysicalBlock
	InodeTableStart  c.PhysicalBlock
	DataRegionStart  c.PhysicalBlock
	VolumeID         uuid.UUID
}

// NewSuperblock computes the layout of a volume with the given geometry. The
// volume ID is left zeroed.
func NewSuperblock(blockSize, maxInodes, maxDataBlocks uint) (Superblock, error) {
	if blockSize < MinBlockSize || blockSize%InodeSize != 0 {
		return Superblock{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"block size must be a multiple of %d and at least %d, got %d",
				InodeSize,
				MinBlockSize,
				blockSize))
	}

	// A bitmap is exactly one block.
	maxBits := blockSize * 8
	if maxInodes < uint(firstFreeInumber) || maxInodes > maxBits {
		return Superblock{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"inode count must be in [%d, %d], got %d",
				firstFreeInumber,
				maxBits,
				maxInodes))
	}
	if maxDataBlocks < 1 || maxDataBlocks > maxBits {
		return Superblock{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("data block count must be in [1, %d], got %d", maxBits, maxDataBlocks))
	}

	inodesPerBlock := blockSize / InodeSize
	tableBlocks := (maxInodes + inodesPerBlock - 1) / inodesPerBlock
	dataRegionStart := InodeTableStart + c.PhysicalBlock(tableBlocks)

	return Superblock{
		Magic:            Magic,
		Version:          FormatVersion,
		BlockSize:        blockSize,
		TotalBlocks:      uint(dataRegionStart) + maxDataBlocks,
		MaxInodes:        maxInodes,
		MaxDataBlocks:    maxDataBlocks,
		InodeBitmapBlock: InodeBitmapBlock,
		DataBitmapBlock:  DataBitmapBlock,
		InodeTableStart:  InodeTableStart,
		DataRegionStart:  dataRegionStart,
	}, nil
}

// InodesPerBlock gives the number of inode records in one inode table block.
func (sb *Superblock) InodesPerBlock() uint {
	return sb.BlockSize / InodeSize
}

// DirentsPerBlock gives the number of directory entries in one directory block.
func (sb *Superblock) DirentsPerBlock() uint {
	return sb.BlockSize / DirentSize
}

// PointersPerBlock gives the number of block pointers in one indirect block.
func (sb *Superblock) PointersPerBlock() uint {
	return sb.BlockSize / 4
}

func (sb *Superblock) InodeTableBlocks() uint {
	return uint(sb.DataRegionStart - sb.InodeTableStart)
}

// MaxFileBlocks gives the number of data blocks a single inode can address.
func (sb *Superblock) MaxFileBlocks() uint {
	return NumDirectPointers + NumIndirectPointers*sb.PointersPerBlock()
}

// MaxFileSize gives the size of the largest possible file, in bytes.
func (sb *Superblock) MaxFileSize() uint64 {
	return uint64(sb.MaxFileBlocks()) * uint64(sb.BlockSize)
}

// IsDataBlock returns true if `block` lies within the data region.
func (sb *Superblock) IsDataBlock(block c.PhysicalBlock) bool {
	return block >= sb.DataRegionStart &&
		uint(block-sb.DataRegionStart) < sb.MaxDataBlocks
}

// Encode writes the superblock at the beginning of `buffer`, which must be one
// block. The rest of the buffer is zeroed.
func (sb *Superblock) Encode(buffer []byte) error {
	for i := range buffer {
		buffer[i] = 0
	}

	raw := rawSuperblock{
		Magic:            sb.Magic,
		Version:          sb.Version,
		BlockSize:        uint32(sb.BlockSize),
		TotalBlocks:      uint32(sb.TotalBlocks),
		MaxInodes:        uint32(sb.MaxInodes),
		MaxDataBlocks:    uint32(sb.MaxDataBlocks),
		InodeBitmapBlock: uint32(sb.InodeBitmapBlock),
		DataBitmapBlock:  uint32(sb.DataBitmapBlock),
		InodeTableStart:  uint32(sb.InodeTableStart),
		DataRegionStart:  uint32(sb.DataRegionStart),
		VolumeID:         sb.VolumeID,
	}

	writer := bytewriter.New(buffer)
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return errors.ErrIOFailed.WithMessage("failed to encode superblock").Wrap(err)
	}
	return nil
}

// DecodeSuperblock reads a superblock from the beginning of `buffer` and checks
// that its signature and layout are consistent.
func DecodeSuperblock(buffer []byte) (Superblock, error) {
	raw := rawSuperblock{}
	err := binary.Read(bytes.NewReader(buffer), binary.LittleEndian, &raw)
	if err != nil {
		return Superblock{}, errors.ErrFileSystemCorrupted.Wrap(err)
	}

	if raw.Magic != Magic {
		return Superblock{}, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("bad signature: expected %#04x, got %#04x", Magic, raw.Magic))
	}
	if raw.Version != FormatVersion {
		return Superblock{}, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("unsupported format version %d", raw.Version))
	}

	expected, err := NewSuperblock(
		uint(raw.BlockSize), uint(raw.MaxInodes), uint(raw.MaxDataBlocks))
	if err != nil {
		return Superblock{}, errors.ErrFileSystemCorrupted.Wrap(err)
	}

	sb := Superblock{
		Magic:            raw.Magic,
		Version:          raw.Version,
		BlockSize:        uint(raw.BlockSize),
		TotalBlocks:      uint(raw.TotalBlocks),
		MaxInodes:        uint(raw.MaxInodes),
		MaxDataBlocks:    uint(raw.MaxDataBlocks),
		InodeBitmapBlock: c.PhysicalBlock(raw.InodeBitmapBlock),
		DataBitmapBlock:  c.PhysicalBlock(raw.DataBitmapBlock),
		InodeTableStart:  c.PhysicalBlock(raw.InodeTableStart),
		DataRegionStart:  c.PhysicalBlock(raw.DataRegionStart),
		VolumeID:         uuid.UUID(raw.VolumeID),
	}

	expected.VolumeID = sb.VolumeID
	if sb != expected {
		return Superblock{}, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("region boundaries are inconsistent: %+v", raw))
	}
	return sb, nil
}

// ProbeBlockSize reads the start of a superblock from `image` and returns the
// volume's block size, so that the device can be opened with the right block
// size before mounting. Only the signature and the block size are checked.
func ProbeBlockSize(image io.Reader) (uint, error) {
	var header struct {
		Magic     uint16
		Version   uint16
		BlockSize uint32
	}
	if err := binary.Read(image, binary.LittleEndian, &header); err != nil {
		return 0, errors.ErrFileSystemCorrupted.WithMessage("image too small").Wrap(err)
	}
	if header.Magic != Magic {
		return 0, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("bad signature: expected %#04x, got %#04x", Magic, header.Magic))
	}
	if header.BlockSize < MinBlockSize || header.BlockSize%InodeSize != 0 {
		return 0, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("invalid block size %d", header.BlockSize))
	}
	return uint(header.BlockSize), nil
}
