package tfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/noxer/bytewriter"
)

// Inumber is an inode number.
type Inumber uint32

const InvalidInumber = Inumber(0)
const RootInumber = Inumber(1)
const firstFreeInumber = Inumber(2)

const InodeSize = 256
const NumDirectPointers = 16
const NumIndirectPointers = 8

// InvalidBlock marks an unused pointer slot, in an inode as well as in an
// indirect block.
const InvalidBlock = c.InvalidPhysicalBlock

type FileType uint8

const (
	TypeInvalid FileType = iota
	TypeFile
	TypeDirectory
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(t))
	}
}

// rawInode is the on-disk form of an inode, exactly [InodeSize] bytes.
type rawInode struct {
	Ino      uint32
	Valid    uint8
	Type     uint8
	Links    uint16
	Size     uint64
	Mode     uint32
	Uid      uint32
	Gid      uint32
	_        uint32
	Atime    int64
	Mtime    int64
	Ctime    int64
	Direct   [NumDirectPointers]uint32
	Indirect [NumIndirectPointers]uint32
	_        [104]byte
}

type Inode struct {
	Number Inumber
	Valid  bool
	Type   FileType
	Links  uint16
	// Size is the size of the file in bytes. For directories, it's the number
	// of live entries times [DirentSize].
	Size uint64
	// Mode is a POSIX st_mode value, type bits included.
	Mode         uint32
	Uid          uint32
	Gid          uint32
	LastAccessed time.Time
	LastModified time.Time
	LastChanged  time.Time
	Direct       [NumDirectPointers]c.PhysicalBlock
	Indirect     [NumIndirectPointers]c.PhysicalBlock
}

// NewInode creates a valid, empty inode with no blocks. `mode` must include the
// type bits.
func NewInode(ino Inumber, fileType FileType, mode, uid, gid uint32, now time.Time) Inode {
	inode := Inode{
		Number:       ino,
		Valid:        true,
		Type:         fileType,
		Links:        1,
		Mode:         mode,
		Uid:          uid,
		Gid:          gid,
		LastAccessed: now,
		LastModified: now,
		LastChanged:  now,
	}
	if fileType == TypeDirectory {
		// "." and the entry in the parent
		inode.Links = 2
	}
	inode.resetPointers()
	return inode
}

func (inode *Inode) IsDir() bool {
	return inode.Type == TypeDirectory
}

func (inode *Inode) resetPointers() {
	for i := range inode.Direct {
		inode.Direct[i] = InvalidBlock
	}
	for i := range inode.Indirect {
		inode.Indirect[i] = InvalidBlock
	}
}

// touch sets the modification and change times.
func (inode *Inode) touch(now time.Time) {
	inode.LastModified = now
	inode.LastChanged = now
}

func timeToRaw(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func rawToTime(t int64) time.Time {
	return time.Unix(0, t)
}

func (inode *Inode) encode(writer io.Writer) error {
	raw := rawInode{
		Ino:   uint32(inode.Number),
		Type:  uint8(inode.Type),
		Links: inode.Links,
		Size:  inode.Size,
		Mode:  inode.Mode,
		Uid:   inode.Uid,
		Gid:   inode.Gid,
		Atime: timeToRaw(inode.LastAccessed),
		Mtime: timeToRaw(inode.LastModified),
		Ctime: timeToRaw(inode.LastChanged),
	}
	if inode.Valid {
		raw.Valid = 1
	}
	for i, block := range inode.Direct {
		raw.Direct[i] = uint32(block)
	}
	for i, block := range inode.Indirect {
		raw.Indirect[i] = uint32(block)
	}
	return binary.Write(writer, binary.LittleEndian, &raw)
}

func decodeInode(data []byte) (Inode, error) {
	raw := rawInode{}
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw)
	if err != nil {
		return Inode{}, err
	}

	inode := Inode{
		Number:       Inumber(raw.Ino),
		Valid:        raw.Valid != 0,
		Type:         FileType(raw.Type),
		Links:        raw.Links,
		Size:         raw.Size,
		Mode:         raw.Mode,
		Uid:          raw.Uid,
		Gid:          raw.Gid,
		LastAccessed: rawToTime(raw.Atime),
		LastModified: rawToTime(raw.Mtime),
		LastChanged:  rawToTime(raw.Ctime),
	}
	for i, block := range raw.Direct {
		inode.Direct[i] = c.PhysicalBlock(block)
	}
	for i, block := range raw.Indirect {
		inode.Indirect[i] = c.PhysicalBlock(block)
	}
	return inode, nil
}

////////////////////////////////////////////////////////////////////////////////

// InodeTable reads and writes inode records in the inode table region.
type InodeTable struct {
	device         c.BlockDevice
	start          c.PhysicalBlock
	tableBlocks    uint
	maxInodes      uint
	inodesPerBlock uint
}

func NewInodeTable(device c.BlockDevice, sb *Superblock) *InodeTable {
	return &InodeTable{
		device:         device,
		start:          sb.InodeTableStart,
		tableBlocks:    sb.InodeTableBlocks(),
		maxInodes:      sb.MaxInodes,
		inodesPerBlock: sb.InodesPerBlock(),
	}
}

// locate gives the table block holding inode `ino` and the byte offset of the
// record within that block.
func (table *InodeTable) locate(ino Inumber) (c.PhysicalBlock, uint, error) {
	if ino == InvalidInumber || uint(ino) >= table.maxInodes {
		return 0, 0, errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("inode %d not in range [1, %d)", ino, table.maxInodes))
	}

	block := table.start + c.PhysicalBlock(uint(ino)/table.inodesPerBlock)
	offset := (uint(ino) % table.inodesPerBlock) * InodeSize
	return block, offset, nil
}

func (table *InodeTable) readTableBlock(ino Inumber) (c.PhysicalBlock, uint, []byte, error) {
	block, offset, err := table.locate(ino)
	if err != nil {
		return 0, 0, nil, err
	}

	buffer := make([]byte, table.device.BytesPerBlock())
	err = table.device.ReadBlock(block, buffer)
	if err != nil {
		return 0, 0, nil, errors.CastToDriverError(err)
	}
	return block, offset, buffer, nil
}

// Read returns the inode record for `ino`. It fails with
// [errors.ErrInvalidHandle] if the record isn't marked valid.
func (table *InodeTable) Read(ino Inumber) (Inode, error) {
	_, offset, buffer, err := table.readTableBlock(ino)
	if err != nil {
		return Inode{}, err
	}

	inode, err := decodeInode(buffer[offset : offset+InodeSize])
	if err != nil {
		return Inode{}, errors.ErrIOFailed.Wrap(err)
	}
	if !inode.Valid {
		return Inode{}, errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("inode %d is not in use", ino))
	}
	if inode.Number != ino {
		return Inode{}, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("inode slot %d holds a record for inode %d", ino, inode.Number))
	}
	return inode, nil
}

// Write stores `inode` in the slot for inode.Number, leaving the other records
// in the same table block untouched.
func (table *InodeTable) Write(inode *Inode) error {
	block, offset, buffer, err := table.readTableBlock(inode.Number)
	if err != nil {
		return err
	}

	writer := bytewriter.New(buffer[offset : offset+InodeSize])
	err = inode.encode(writer)
	if err != nil {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to encode inode %d", inode.Number)).Wrap(err)
	}
	return errors.CastToDriverError(table.device.WriteBlock(block, buffer))
}

// Clear zeroes the slot for `ino`, so that reading it fails afterwards.
func (table *InodeTable) Clear(ino Inumber) error {
	block, offset, buffer, err := table.readTableBlock(ino)
	if err != nil {
		return err
	}

	for i := offset; i < offset+InodeSize; i++ {
		buffer[i] = 0
	}
	return errors.CastToDriverError(table.device.WriteBlock(block, buffer))
}

// initialize zeroes the entire inode table.
func (table *InodeTable) initialize() error {
	zeroes := make([]byte, table.device.BytesPerBlock())
	for i := uint(0); i < table.tableBlocks; i++ {
		err := table.device.WriteBlock(table.start+c.PhysicalBlock(i), zeroes)
		if err != nil {
			return errors.CastToDriverError(err)
		}
	}
	return nil
}
