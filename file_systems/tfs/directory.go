package tfs

import (
	"fmt"

	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
)

// DirectoryStore keeps name-to-inode bindings in the data blocks of directory
// inodes. Each block is an array of fixed-size entries; an entry is in use only
// if its validity flag is set.
type DirectoryStore struct {
	device          c.BlockDevice
	inodes          *InodeTable
	data            *FileDataAccessor
	allocator       *Allocator
	direntsPerBlock uint
}

func NewDirectoryStore(
	device c.BlockDevice,
	inodes *InodeTable,
	data *FileDataAccessor,
	allocator *Allocator,
	sb *Superblock,
) *DirectoryStore {
	return &DirectoryStore{
		device:          device,
		inodes:          inodes,
		data:            data,
		allocator:       allocator,
		direntsPerBlock: sb.DirentsPerBlock(),
	}
}

// direntBlock is one decoded block of directory entries.
type direntBlock struct {
	logical c.LogicalBlock
	block   c.PhysicalBlock
	raw     []byte
	entries []Dirent
}

func checkIsDirectory(dir *Inode) error {
	if !dir.IsDir() {
		return errors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("inode %d is a %s", dir.Number, dir.Type))
	}
	return nil
}

// scan calls `callback` on every entry block of the directory, in pointer
// order, until it returns false or an error.
func (store *DirectoryStore) scan(dir *Inode, callback func(*direntBlock) (bool, error)) error {
	if err := checkIsDirectory(dir); err != nil {
		return err
	}

	return store.data.forEachBlock(
		dir,
		func(logical c.LogicalBlock, block c.PhysicalBlock) (bool, error) {
			raw := make([]byte, store.device.BytesPerBlock())
			err := store.device.ReadBlock(block, raw)
			if err != nil {
				return false, errors.CastToDriverError(err)
			}

			entries, err := decodeDirentBlock(raw)
			if err != nil {
				return false, err
			}
			return callback(&direntBlock{logical, block, raw, entries})
		},
	)
}

// Lookup finds the live entry called `name`.
func (store *DirectoryStore) Lookup(dir *Inode, name string) (Dirent, error) {
	var found *Dirent

	err := store.scan(dir, func(current *direntBlock) (bool, error) {
		for i := range current.entries {
			entry := &current.entries[i]
			if entry.Valid && entry.Name == name {
				found = entry
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return Dirent{}, err
	}
	if found == nil {
		return Dirent{}, errors.ErrNotFound.WithMessage(
			fmt.Sprintf("no entry %q in directory inode %d", name, dir.Number))
	}
	return *found, nil
}

// Insert adds an entry binding `name` to `ino`. It reuses the first free slot
// in the existing entry blocks, or gives the directory a new block if they're
// all full. The directory inode is written to the device.
func (store *DirectoryStore) Insert(dir *Inode, name string, ino Inumber) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	_, err := store.Lookup(dir, name)
	if err == nil {
		return errors.ErrExists.WithMessage(
			fmt.Sprintf("%q already exists in directory inode %d", name, dir.Number))
	} else if !errors.IsErrno(err, errors.ENOENT) {
		return err
	}

	entry := Dirent{Inumber: ino, Name: name, Valid: true}
	inserted := false

	err = store.scan(dir, func(current *direntBlock) (bool, error) {
		for slot, existing := range current.entries {
			if existing.Valid {
				continue
			}
			if err := encodeDirent(current.raw, uint(slot), entry); err != nil {
				return false, err
			}
			err := store.device.WriteBlock(current.block, current.raw)
			if err != nil {
				return false, errors.CastToDriverError(err)
			}
			inserted = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	if !inserted {
		err = store.insertIntoNewBlock(dir, entry)
		if err != nil {
			return err
		}
	}

	dir.Size += DirentSize
	dir.touch(store.data.now())
	return store.inodes.Write(dir)
}

// insertIntoNewBlock puts `entry` into the first slot of a new entry block,
// filling the first hole in the directory's pointers.
func (store *DirectoryStore) insertIntoNewBlock(dir *Inode, entry Dirent) error {
	mapper := store.data.newBlockMap(dir)

	logical := c.InvalidLogicalBlock
	for i := c.LogicalBlock(0); uint(i) < store.data.maxBlocks; i++ {
		block, err := mapper.lookup(i)
		if err != nil {
			return err
		}
		if block == InvalidBlock {
			logical = i
			break
		}
	}
	if logical == c.InvalidLogicalBlock {
		return errors.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("directory inode %d can't hold any more entries", dir.Number))
	}

	// New blocks are zeroed, so every entry in it starts out invalid.
	block, err := mapper.allocate(logical)
	if err != nil {
		return err
	}

	raw := make([]byte, store.device.BytesPerBlock())
	if err = encodeDirent(raw, 0, entry); err == nil {
		err = store.device.WriteBlock(block, raw)
	}
	if err != nil {
		// The pointers may have changed on the way, so the inode is saved to
		// keep it in step with the bitmap.
		releaseErr := mapper.release(logical)
		if writeErr := store.inodes.Write(dir); releaseErr == nil {
			releaseErr = writeErr
		}
		if releaseErr != nil {
			store.data.allocator.logger.Warn(
				"failed to release directory block after an error",
				"directory", dir.Number,
				"block", block,
				"error", releaseErr)
		}
		return errors.CastToDriverError(err)
	}
	return nil
}

// Remove invalidates the entry called `name` and returns what it held. The
// directory inode is written to the device. The entry's block is kept even if
// it's now empty; see [DirectoryStore.ReclaimEmptyBlocks].
func (store *DirectoryStore) Remove(dir *Inode, name string) (Dirent, error) {
	var removed *Dirent

	err := store.scan(dir, func(current *direntBlock) (bool, error) {
		for slot := range current.entries {
			entry := &current.entries[slot]
			if !entry.Valid || entry.Name != name {
				continue
			}

			tombstone := *entry
			tombstone.Valid = false
			if err := encodeDirent(current.raw, uint(slot), tombstone); err != nil {
				return false, err
			}
			err := store.device.WriteBlock(current.block, current.raw)
			if err != nil {
				return false, errors.CastToDriverError(err)
			}
			removed = entry
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return Dirent{}, err
	}
	if removed == nil {
		return Dirent{}, errors.ErrNotFound.WithMessage(
			fmt.Sprintf("no entry %q in directory inode %d", name, dir.Number))
	}

	if dir.Size >= DirentSize {
		dir.Size -= DirentSize
	}
	dir.touch(store.data.now())
	return *removed, store.inodes.Write(dir)
}

// List returns the live entries of the directory in slot order.
func (store *DirectoryStore) List(dir *Inode) ([]Dirent, error) {
	entries := []Dirent{}
	err := store.scan(dir, func(current *direntBlock) (bool, error) {
		for _, entry := range current.entries {
			if entry.Valid {
				entries = append(entries, entry)
			}
		}
		return true, nil
	})
	return entries, err
}

// IsEmpty returns true if the directory has no live entries.
func (store *DirectoryStore) IsEmpty(dir *Inode) (bool, error) {
	empty := true
	err := store.scan(dir, func(current *direntBlock) (bool, error) {
		for _, entry := range current.entries {
			if entry.Valid {
				empty = false
				return false, nil
			}
		}
		return true, nil
	})
	return empty, err
}

// ReclaimEmptyBlocks frees every entry block of the directory that has no live
// entries, along with indirect blocks left empty by that, and returns the
// number of entry blocks freed. The directory inode is written to the device if
// anything changed.
func (store *DirectoryStore) ReclaimEmptyBlocks(dir *Inode) (uint, error) {
	emptyBlocks := []c.LogicalBlock{}
	err := store.scan(dir, func(current *direntBlock) (bool, error) {
		for _, entry := range current.entries {
			if entry.Valid {
				return true, nil
			}
		}
		emptyBlocks = append(emptyBlocks, current.logical)
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if len(emptyBlocks) == 0 {
		return 0, nil
	}

	mapper := store.data.newBlockMap(dir)
	freed := uint(0)
	for _, logical := range emptyBlocks {
		if err = mapper.release(logical); err != nil {
			break
		}
		freed++
	}
	if err == nil {
		err = mapper.releaseEmptyIndirect()
	}

	if mapper.changed {
		if writeErr := store.inodes.Write(dir); writeErr != nil && err == nil {
			err = writeErr
		}
	}
	return freed, err
}
