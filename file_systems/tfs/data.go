package tfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/hashicorp/go-multierror"
	"github.com/noxer/bytewriter"
)

// FileDataAccessor translates byte ranges of an inode's contents into block
// I/O, allocating data and indirect blocks as they're first needed.
//
// None of its methods lock anything besides the allocator; callers must make
// sure nobody else is modifying the same inode.
type FileDataAccessor struct {
	device           c.BlockDevice
	allocator        *Allocator
	inodes           *InodeTable
	blockSize        uint
	pointersPerBlock uint
	maxBlocks        uint
	now              func() time.Time
}

func NewFileDataAccessor(
	device c.BlockDevice, allocator *Allocator, inodes *InodeTable, sb *Superblock,
) *FileDataAccessor {
	return &FileDataAccessor{
		device:           device,
		allocator:        allocator,
		inodes:           inodes,
		blockSize:        sb.BlockSize,
		pointersPerBlock: sb.PointersPerBlock(),
		maxBlocks:        sb.MaxFileBlocks(),
		now:              time.Now,
	}
}

// MaxFileSize gives the size of the largest possible file, in bytes.
func (accessor *FileDataAccessor) MaxFileSize() uint64 {
	return uint64(accessor.maxBlocks) * uint64(accessor.blockSize)
}

func (accessor *FileDataAccessor) readIndirect(block c.PhysicalBlock) ([]c.PhysicalBlock, error) {
	buffer := make([]byte, accessor.blockSize)
	err := accessor.device.ReadBlock(block, buffer)
	if err != nil {
		return nil, errors.CastToDriverError(err)
	}

	raw := make([]uint32, accessor.pointersPerBlock)
	err = binary.Read(bytes.NewReader(buffer), binary.LittleEndian, raw)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}

	pointers := make([]c.PhysicalBlock, len(raw))
	for i, pointer := range raw {
		pointers[i] = c.PhysicalBlock(pointer)
	}
	return pointers, nil
}

func (accessor *FileDataAccessor) writeIndirect(block c.PhysicalBlock, pointers []c.PhysicalBlock) error {
	raw := make([]uint32, len(pointers))
	for i, pointer := range pointers {
		raw[i] = uint32(pointer)
	}

	buffer := make([]byte, accessor.blockSize)
	err := binary.Write(bytewriter.New(buffer), binary.LittleEndian, raw)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return errors.CastToDriverError(accessor.device.WriteBlock(block, buffer))
}

////////////////////////////////////////////////////////////////////////////////

// blockMap resolves the logical blocks of one inode to physical blocks. It
// keeps the most recently used indirect block in memory so that sequential
// access doesn't reread it for every block.
//
// Changes to direct and indirect pointer slots are made to the in-memory inode;
// the caller is responsible for writing the inode out afterwards. Indirect
// blocks are written out as soon as they change.
type blockMap struct {
	accessor *FileDataAccessor
	inode    *Inode
	// loadedSlot is the index into inode.Indirect of the indirect block held in
	// `pointers`, or -1 if none is loaded.
	loadedSlot int
	pointers   []c.PhysicalBlock
	// changed is set once any pointer slot in the inode is modified.
	changed bool
}

func (accessor *FileDataAccessor) newBlockMap(inode *Inode) *blockMap {
	return &blockMap{accessor: accessor, inode: inode, loadedSlot: -1}
}

// split converts a logical block index into either a direct slot (`slot`, with
// `entry` = -1) or an indirect slot and entry within that indirect block.
func (m *blockMap) split(logical c.LogicalBlock) (slot int, entry int, err error) {
	if uint(logical) >= m.accessor.maxBlocks {
		return 0, 0, errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf(
				"block %d is past the maximum of %d blocks per file",
				logical,
				m.accessor.maxBlocks))
	}

	if logical < NumDirectPointers {
		return int(logical), -1, nil
	}

	relative := uint(logical) - NumDirectPointers
	return int(relative / m.accessor.pointersPerBlock),
		int(relative % m.accessor.pointersPerBlock),
		nil
}

// loadIndirect makes sure the indirect block in `slot` is the one in memory.
// The slot must not be empty.
func (m *blockMap) loadIndirect(slot int) error {
	if m.loadedSlot == slot {
		return nil
	}

	pointers, err := m.accessor.readIndirect(m.inode.Indirect[slot])
	if err != nil {
		return err
	}
	m.pointers = pointers
	m.loadedSlot = slot
	return nil
}

// lookup returns the physical block backing logical block `logical`, or
// [InvalidBlock] if that part of the file was never written.
func (m *blockMap) lookup(logical c.LogicalBlock) (c.PhysicalBlock, error) {
	slot, entry, err := m.split(logical)
	if err != nil {
		return InvalidBlock, err
	}

	if entry < 0 {
		return m.inode.Direct[slot], nil
	}
	if m.inode.Indirect[slot] == InvalidBlock {
		return InvalidBlock, nil
	}
	if err = m.loadIndirect(slot); err != nil {
		return InvalidBlock, err
	}
	return m.pointers[entry], nil
}

// allocateZeroed allocates a data block and fills it with `fill`.
func (m *blockMap) allocateZeroed(fill byte) (c.PhysicalBlock, error) {
	block, err := m.accessor.allocator.AllocateBlock()
	if err != nil {
		return InvalidBlock, err
	}

	buffer := bytes.Repeat([]byte{fill}, int(m.accessor.blockSize))
	err = m.accessor.device.WriteBlock(block, buffer)
	if err != nil {
		m.freeQuietly(block)
		return InvalidBlock, errors.CastToDriverError(err)
	}
	return block, nil
}

// allocate gives logical block `logical` a freshly zeroed data block, creating
// the indirect block on the way if needed. The slot must currently be empty.
func (m *blockMap) allocate(logical c.LogicalBlock) (c.PhysicalBlock, error) {
	slot, entry, err := m.split(logical)
	if err != nil {
		return InvalidBlock, err
	}

	if entry < 0 {
		block, err := m.allocateZeroed(0)
		if err != nil {
			return InvalidBlock, err
		}
		m.inode.Direct[slot] = block
		m.changed = true
		return block, nil
	}

	newIndirect := false
	if m.inode.Indirect[slot] == InvalidBlock {
		// Every byte 0xFF makes every entry InvalidBlock.
		indirect, err := m.allocateZeroed(0xff)
		if err != nil {
			return InvalidBlock, err
		}
		m.inode.Indirect[slot] = indirect
		m.changed = true
		newIndirect = true
	}
	if err = m.loadIndirect(slot); err != nil {
		if newIndirect {
			m.discardIndirect(slot)
		}
		return InvalidBlock, err
	}

	block, err := m.allocateZeroed(0)
	if err != nil {
		if newIndirect {
			m.discardIndirect(slot)
		}
		return InvalidBlock, err
	}

	m.pointers[entry] = block
	err = m.accessor.writeIndirect(m.inode.Indirect[slot], m.pointers)
	if err != nil {
		m.pointers[entry] = InvalidBlock
		m.freeQuietly(block)
		if newIndirect {
			m.discardIndirect(slot)
		}
		return InvalidBlock, err
	}
	return block, nil
}

// discardIndirect undoes the allocation of the indirect block in `slot` when
// nothing could be stored in it. The inode must not have been written since.
func (m *blockMap) discardIndirect(slot int) {
	m.freeQuietly(m.inode.Indirect[slot])
	m.inode.Indirect[slot] = InvalidBlock
	if m.loadedSlot == slot {
		m.loadedSlot = -1
	}
}

// freeQuietly releases `block` on an error path, where the original failure is
// the one reported to the caller.
func (m *blockMap) freeQuietly(block c.PhysicalBlock) {
	if err := m.accessor.allocator.FreeBlock(block); err != nil {
		m.accessor.allocator.logger.Warn(
			"failed to release block after an error; it may be leaked",
			"block", block,
			"error", err)
	}
}

// release frees the data block backing `logical`, if any, and empties its
// slot. Indirect blocks are left alone even if they become empty.
func (m *blockMap) release(logical c.LogicalBlock) error {
	slot, entry, err := m.split(logical)
	if err != nil {
		return err
	}

	if entry < 0 {
		block := m.inode.Direct[slot]
		if block == InvalidBlock {
			return nil
		}
		if err = m.accessor.allocator.FreeBlock(block); err != nil {
			return err
		}
		m.inode.Direct[slot] = InvalidBlock
		m.changed = true
		return nil
	}

	if m.inode.Indirect[slot] == InvalidBlock {
		return nil
	}
	if err = m.loadIndirect(slot); err != nil {
		return err
	}

	block := m.pointers[entry]
	if block == InvalidBlock {
		return nil
	}
	if err = m.accessor.allocator.FreeBlock(block); err != nil {
		return err
	}
	m.pointers[entry] = InvalidBlock
	return m.accessor.writeIndirect(m.inode.Indirect[slot], m.pointers)
}

// releaseEmptyIndirect frees every indirect block that no longer points to any
// data block.
func (m *blockMap) releaseEmptyIndirect() error {
	for slot, indirect := range m.inode.Indirect {
		if indirect == InvalidBlock {
			continue
		}
		if err := m.loadIndirect(slot); err != nil {
			return err
		}

		empty := true
		for _, pointer := range m.pointers {
			if pointer != InvalidBlock {
				empty = false
				break
			}
		}
		if !empty {
			continue
		}

		if err := m.accessor.allocator.FreeBlock(indirect); err != nil {
			return err
		}
		m.inode.Indirect[slot] = InvalidBlock
		m.loadedSlot = -1
		m.changed = true
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// Read returns up to `length` bytes of the inode's contents, starting at byte
// `offset`. Fewer bytes are returned if the read reaches the end of the file
// or a part of the file that was never written. Reading past the end of the
// file returns an empty slice, not an error.
func (accessor *FileDataAccessor) Read(inode *Inode, offset uint64, length uint) ([]byte, error) {
	if offset >= inode.Size {
		return []byte{}, nil
	}

	end := offset + uint64(length)
	if end > inode.Size || end < offset {
		end = inode.Size
	}

	output := make([]byte, 0, end-offset)
	buffer := make([]byte, accessor.blockSize)
	mapper := accessor.newBlockMap(inode)
	blockSize := uint64(accessor.blockSize)

	for position := offset; position < end; {
		logical := c.LogicalBlock(position / blockSize)
		block, err := mapper.lookup(logical)
		if err != nil {
			return output, err
		}
		if block == InvalidBlock {
			break
		}

		err = accessor.device.ReadBlock(block, buffer)
		if err != nil {
			return output, errors.CastToDriverError(err)
		}

		start := position % blockSize
		stop := blockSize
		if remaining := end - position; remaining < stop-start {
			stop = start + remaining
		}
		output = append(output, buffer[start:stop]...)
		position += stop - start
	}
	return output, nil
}

// Write stores `data` in the inode's contents starting at byte `offset`, and
// returns the number of bytes written. The inode's size is extended if needed
// and the inode is written to the device once at the end.
//
// If the device runs out of space or the write runs past the largest possible
// file, everything that fit is kept and the count of bytes written is returned
// along with the error.
func (accessor *FileDataAccessor) Write(inode *Inode, offset uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	mapper := accessor.newBlockMap(inode)
	blockSize := uint64(accessor.blockSize)
	buffer := make([]byte, accessor.blockSize)
	written := 0
	var writeErr error

	for written < len(data) {
		position := offset + uint64(written)
		logical := c.LogicalBlock(position / blockSize)
		start := position % blockSize
		chunk := uint64(len(data) - written)
		if chunk > blockSize-start {
			chunk = blockSize - start
		}

		if position/blockSize >= uint64(accessor.maxBlocks) {
			writeErr = errors.ErrFileTooLarge.WithMessage(
				fmt.Sprintf("files are limited to %d bytes", accessor.MaxFileSize()))
			break
		}

		block, err := mapper.lookup(logical)
		if err != nil {
			writeErr = err
			break
		}

		if block == InvalidBlock {
			block, err = mapper.allocate(logical)
			if err != nil {
				writeErr = err
				break
			}
			// New blocks are zeroed on disk already.
			for i := range buffer {
				buffer[i] = 0
			}
		} else if chunk < blockSize {
			err = accessor.device.ReadBlock(block, buffer)
			if err != nil {
				writeErr = errors.CastToDriverError(err)
				break
			}
		}

		copy(buffer[start:start+chunk], data[written:written+int(chunk)])
		err = accessor.device.WriteBlock(block, buffer)
		if err != nil {
			writeErr = errors.CastToDriverError(err)
			break
		}
		written += int(chunk)
	}

	if written == 0 && !mapper.changed {
		return 0, writeErr
	}

	if end := offset + uint64(written); end > inode.Size {
		inode.Size = end
	}
	if written > 0 {
		inode.touch(accessor.now())
	}

	err := accessor.inodes.Write(inode)
	if err != nil {
		if writeErr == nil {
			return written, err
		}
		return written, errors.CastToDriverError(writeErr).Wrap(err)
	}
	return written, writeErr
}

// Truncate changes the size of the file to `newSize`. Data blocks lying
// entirely past the new end are freed, and the unused tail of the last block
// is zeroed so that growing the file again doesn't resurrect old data. The
// inode is written to the device.
func (accessor *FileDataAccessor) Truncate(inode *Inode, newSize uint64) error {
	if newSize > accessor.MaxFileSize() {
		return errors.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("files are limited to %d bytes", accessor.MaxFileSize()))
	}

	mapper := accessor.newBlockMap(inode)
	blockSize := uint64(accessor.blockSize)

	if newSize < inode.Size {
		keepBlocks := (newSize + blockSize - 1) / blockSize
		for logical := keepBlocks; logical < uint64(accessor.maxBlocks); logical++ {
			if err := mapper.release(c.LogicalBlock(logical)); err != nil {
				return err
			}
		}
		if err := mapper.releaseEmptyIndirect(); err != nil {
			return err
		}

		if tail := newSize % blockSize; tail != 0 {
			block, err := mapper.lookup(c.LogicalBlock(newSize / blockSize))
			if err != nil {
				return err
			}
			if block != InvalidBlock {
				buffer := make([]byte, accessor.blockSize)
				if err = accessor.device.ReadBlock(block, buffer); err != nil {
					return errors.CastToDriverError(err)
				}
				for i := tail; i < blockSize; i++ {
					buffer[i] = 0
				}
				if err = accessor.device.WriteBlock(block, buffer); err != nil {
					return errors.CastToDriverError(err)
				}
			}
		}
	}

	inode.Size = newSize
	inode.touch(accessor.now())
	return accessor.inodes.Write(inode)
}

// FreeAll releases every block the inode references, data blocks first and
// then indirect blocks, and resets all of its pointers. The inode isn't written
// to the device; it's usually about to be cleared anyway.
//
// Errors don't stop the release of the remaining blocks; all of them are
// reported together.
func (accessor *FileDataAccessor) FreeAll(inode *Inode) error {
	dataBlocks, indirectBlocks, err := accessor.ReferencedBlocks(inode)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, block := range dataBlocks {
		if err := accessor.allocator.FreeBlock(block); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, block := range indirectBlocks {
		if err := accessor.allocator.FreeBlock(block); err != nil {
			result = multierror.Append(result, err)
		}
	}

	inode.resetPointers()
	if result != nil {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to free blocks of inode %d", inode.Number)).Wrap(result)
	}
	return nil
}

// ReferencedBlocks lists the data blocks and the indirect blocks the inode
// points to, in pointer order.
func (accessor *FileDataAccessor) ReferencedBlocks(
	inode *Inode,
) (dataBlocks []c.PhysicalBlock, indirectBlocks []c.PhysicalBlock, err error) {
	for _, block := range inode.Direct {
		if block != InvalidBlock {
			dataBlocks = append(dataBlocks, block)
		}
	}

	for _, indirect := range inode.Indirect {
		if indirect == InvalidBlock {
			continue
		}
		indirectBlocks = append(indirectBlocks, indirect)

		pointers, err := accessor.readIndirect(indirect)
		if err != nil {
			return nil, nil, err
		}
		for _, block := range pointers {
			if block != InvalidBlock {
				dataBlocks = append(dataBlocks, block)
			}
		}
	}
	return dataBlocks, indirectBlocks, nil
}

// forEachBlock calls `callback` for every allocated data block of the inode in
// logical order, until it returns false or an error.
func (accessor *FileDataAccessor) forEachBlock(
	inode *Inode,
	callback func(logical c.LogicalBlock, block c.PhysicalBlock) (bool, error),
) error {
	mapper := accessor.newBlockMap(inode)
	for logical := c.LogicalBlock(0); uint(logical) < accessor.maxBlocks; logical++ {
		slot, entry, _ := mapper.split(logical)
		if entry >= 0 && inode.Indirect[slot] == InvalidBlock {
			// Skip the rest of this indirect block's range.
			logical += c.LogicalBlock(accessor.pointersPerBlock - 1 - uint(entry))
			continue
		}

		block, err := mapper.lookup(logical)
		if err != nil {
			return err
		}
		if block == InvalidBlock {
			continue
		}

		keepGoing, err := callback(logical, block)
		if err != nil || !keepGoing {
			return err
		}
	}
	return nil
}
