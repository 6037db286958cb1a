package tfs

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// FormatOptions controls the geometry of a newly formatted volume. Zero values
// are replaced with defaults.
type FormatOptions struct {
	// MaxInodes is the number of inode numbers, including the reserved inode 0.
	// Defaults to [DefaultMaxInodes], or fewer if one bitmap block can't hold
	// that many bits.
	MaxInodes uint
	// MaxDataBlocks defaults to as many blocks as fit on the device after the
	// metadata regions, up to what one bitmap block can track.
	MaxDataBlocks uint
	// VolumeID is generated randomly if not given.
	VolumeID uuid.UUID
	// Uid and Gid are the owner of the root directory.
	Uid    uint32
	Gid    uint32
	Logger *slog.Logger
}

type MountOptions struct {
	// ReclaimDirectoryBlocks makes RemoveDirectory free entry blocks of the
	// parent directory that have no live entries left.
	ReclaimDirectoryBlocks bool
	// UpdateAccessTime makes ReadFile record the access time. Reads then take
	// the file system's write lock.
	UpdateAccessTime bool
	// Uid and Gid are the owner given to new files and directories.
	Uid    uint32
	Gid    uint32
	Logger *slog.Logger
}

// FileSystem is a Tiny File System volume on a block device. All methods are
// safe for concurrent use; mutating operations are serialized.
type FileSystem struct {
	device     c.BlockDevice
	superblock Superblock
	allocator  *Allocator
	inodes     *InodeTable
	data       *FileDataAccessor
	dirs       *DirectoryStore
	paths      *PathResolver
	options    MountOptions
	logger     *slog.Logger
	mounted    bool
	now        func() time.Time
	lock       sync.RWMutex
}

// New creates an unmounted file system on `device`. Call Format() to create a
// new volume or Mount() to use an existing one.
func New(device c.BlockDevice) *FileSystem {
	return &FileSystem{
		device: device,
		logger: slog.Default().With("component", "tfs"),
		now:    time.Now,
	}
}

func componentLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "tfs")
}

// Format creates an empty volume on the device, destroying anything on it. The
// file system must not be mounted.
func (fs *FileSystem) Format(options FormatOptions) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.mounted {
		return errors.ErrAlreadyInProgress.WithMessage("can't format a mounted file system")
	}

	logger := componentLogger(options.Logger)
	blockSize := fs.device.BytesPerBlock()
	maxBits := blockSize * 8

	maxInodes := options.MaxInodes
	if maxInodes == 0 {
		maxInodes = min(DefaultMaxInodes, maxBits)
	}

	maxDataBlocks := options.MaxDataBlocks
	if maxDataBlocks == 0 {
		layout, err := NewSuperblock(blockSize, maxInodes, 1)
		if err != nil {
			return err
		}
		available := int(fs.device.TotalBlocks()) - int(layout.DataRegionStart)
		if available < 1 {
			return errors.ErrNoSpaceOnDevice.WithMessage(
				fmt.Sprintf(
					"device has %d blocks, too few for %d inodes",
					fs.device.TotalBlocks(),
					maxInodes))
		}
		maxDataBlocks = min(uint(available), maxBits)
	}

	sb, err := NewSuperblock(blockSize, maxInodes, maxDataBlocks)
	if err != nil {
		return err
	}
	if sb.TotalBlocks > fs.device.TotalBlocks() {
		return errors.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf(
				"volume needs %d blocks but the device only has %d",
				sb.TotalBlocks,
				fs.device.TotalBlocks()))
	}

	sb.VolumeID = options.VolumeID
	if sb.VolumeID == uuid.Nil {
		sb.VolumeID = uuid.New()
	}

	buffer := make([]byte, blockSize)
	if err = sb.Encode(buffer); err != nil {
		return err
	}
	if err = fs.device.WriteBlock(SuperblockBlock, buffer); err != nil {
		return errors.CastToDriverError(err)
	}

	allocator := NewAllocator(fs.device, &sb, logger)
	if err = allocator.Flush(); err != nil {
		return err
	}

	inodes := NewInodeTable(fs.device, &sb)
	if err = inodes.initialize(); err != nil {
		return err
	}

	if err = allocator.reserveInode(RootInumber); err != nil {
		return err
	}
	root := NewInode(
		RootInumber,
		TypeDirectory,
		tinyfs.FileModeToMode(os.ModeDir|tinyfs.DefaultDirectoryPermissions),
		options.Uid,
		options.Gid,
		fs.now(),
	)
	if err = inodes.Write(&root); err != nil {
		return err
	}

	logger.Info(
		"formatted volume",
		"volume_id", sb.VolumeID,
		"block_size", sb.BlockSize,
		"inodes", sb.MaxInodes,
		"data_blocks", sb.MaxDataBlocks,
		"total_blocks", sb.TotalBlocks)
	return nil
}

// Mount loads the volume's superblock and bitmaps. The root directory must be
// intact.
func (fs *FileSystem) Mount(options MountOptions) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.mounted {
		return errors.ErrAlreadyInProgress.WithMessage("file system is already mounted")
	}

	logger := componentLogger(options.Logger)
	buffer := make([]byte, fs.device.BytesPerBlock())
	err := fs.device.ReadBlock(SuperblockBlock, buffer)
	if err != nil {
		return errors.CastToDriverError(err)
	}

	sb, err := DecodeSuperblock(buffer)
	if err != nil {
		return err
	}
	if sb.BlockSize != fs.device.BytesPerBlock() {
		return errors.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"volume has %d-byte blocks but the device has %d-byte blocks",
				sb.BlockSize,
				fs.device.BytesPerBlock()))
	}
	if sb.TotalBlocks > fs.device.TotalBlocks() {
		return errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"volume claims %d blocks but the device only has %d",
				sb.TotalBlocks,
				fs.device.TotalBlocks()))
	}

	allocator, err := LoadAllocator(fs.device, &sb, logger)
	if err != nil {
		return err
	}

	inodes := NewInodeTable(fs.device, &sb)
	data := NewFileDataAccessor(fs.device, allocator, inodes, &sb)
	data.now = fs.now
	dirs := NewDirectoryStore(fs.device, inodes, data, allocator, &sb)

	root, err := inodes.Read(RootInumber)
	if err != nil {
		return errors.ErrFileSystemCorrupted.WithMessage("root directory is missing").Wrap(err)
	}
	if !root.IsDir() {
		return errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("root inode is a %s", root.Type))
	}

	fs.superblock = sb
	fs.allocator = allocator
	fs.inodes = inodes
	fs.data = data
	fs.dirs = dirs
	fs.paths = NewPathResolver(inodes, dirs)
	fs.options = options
	fs.logger = logger
	fs.mounted = true

	logger.Info(
		"mounted volume",
		"volume_id", sb.VolumeID,
		"free_inodes", allocator.FreeInodeCount(),
		"free_blocks", allocator.FreeBlockCount())
	return nil
}

// Unmount writes out the bitmaps, syncs the device if it supports that, and
// releases the in-memory state. The device is left open.
func (fs *FileSystem) Unmount() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if !fs.mounted {
		return errors.ErrNotMounted
	}

	var result *multierror.Error
	if err := fs.allocator.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if syncer, ok := fs.device.(c.Syncer); ok {
		if err := syncer.Sync(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	fs.logger.Info("unmounted volume", "volume_id", fs.superblock.VolumeID)
	fs.mounted = false
	fs.allocator = nil
	fs.inodes = nil
	fs.data = nil
	fs.dirs = nil
	fs.paths = nil

	if result != nil {
		return errors.ErrIOFailed.WithMessage("unmount incomplete").Wrap(result)
	}
	return nil
}

func (fs *FileSystem) IsMounted() bool {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return fs.mounted
}

func (fs *FileSystem) checkMounted() error {
	if !fs.mounted {
		return errors.ErrNotMounted
	}
	return nil
}

// Superblock returns a copy of the mounted volume's superblock.
func (fs *FileSystem) Superblock() (Superblock, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	if err := fs.checkMounted(); err != nil {
		return Superblock{}, err
	}
	return fs.superblock, nil
}

// FSStat returns usage statistics for the volume, as statfs(2) would.
func (fs *FileSystem) FSStat() (tinyfs.FSStat, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	if err := fs.checkMounted(); err != nil {
		return tinyfs.FSStat{}, err
	}

	freeBlocks := uint64(fs.allocator.FreeBlockCount())
	return tinyfs.FSStat{
		BlockSize:       int64(fs.superblock.BlockSize),
		TotalBlocks:     uint64(fs.superblock.MaxDataBlocks),
		BlocksFree:      freeBlocks,
		BlocksAvailable: freeBlocks,
		Files:           uint64(fs.superblock.MaxInodes - 1),
		FilesFree:       uint64(fs.allocator.FreeInodeCount()),
		MaxNameLength:   MaxNameLength,
	}, nil
}

func (fs *FileSystem) stat(inode *Inode) (tinyfs.FileStat, error) {
	dataBlocks, _, err := fs.data.ReferencedBlocks(inode)
	if err != nil {
		return tinyfs.FileStat{}, err
	}

	return tinyfs.FileStat{
		InodeNumber:  uint64(inode.Number),
		Nlinks:       uint64(inode.Links),
		ModeFlags:    tinyfs.ModeToFileMode(inode.Mode),
		Uid:          inode.Uid,
		Gid:          inode.Gid,
		Size:         int64(inode.Size),
		BlockSize:    int64(fs.superblock.BlockSize),
		NumBlocks:    int64(len(dataBlocks)),
		LastAccessed: inode.LastAccessed,
		LastModified: inode.LastModified,
		LastChanged:  inode.LastChanged,
	}, nil
}

// GetAttributes returns the status of the file or directory at `path`.
func (fs *FileSystem) GetAttributes(path string) (tinyfs.FileStat, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	if err := fs.checkMounted(); err != nil {
		return tinyfs.FileStat{}, err
	}

	inode, err := fs.paths.Resolve(path)
	if err != nil {
		return tinyfs.FileStat{}, err
	}
	return fs.stat(&inode)
}

// ListDirectory returns the entries of the directory at `path`, beginning with
// "." and "..", followed by its contents in the order they're stored.
func (fs *FileSystem) ListDirectory(path string) ([]tinyfs.DirectoryEntry, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	parent, name, err := fs.paths.ResolveParent(path)
	if err != nil {
		return nil, err
	}

	dir := parent
	if name != "" {
		entry, err := fs.dirs.Lookup(&parent, name)
		if err != nil {
			if errors.IsErrno(err, errors.ENOENT) {
				return nil, errors.ErrNotFound.WithMessage(fmt.Sprintf("%q", path))
			}
			return nil, err
		}
		if dir, err = fs.inodes.Read(entry.Inumber); err != nil {
			return nil, err
		}
	}
	if !dir.IsDir() {
		return nil, errors.ErrNotADirectory.WithMessage(fmt.Sprintf("%q", path))
	}

	entries, err := fs.dirs.List(&dir)
	if err != nil {
		return nil, err
	}

	selfStat, err := fs.stat(&dir)
	if err != nil {
		return nil, err
	}
	parentStat, err := fs.stat(&parent)
	if err != nil {
		return nil, err
	}

	listing := make([]tinyfs.DirectoryEntry, 0, len(entries)+2)
	listing = append(
		listing,
		tinyfs.NewDirectoryEntry(".", selfStat),
		tinyfs.NewDirectoryEntry("..", parentStat),
	)

	for _, entry := range entries {
		inode, err := fs.inodes.Read(entry.Inumber)
		if err != nil {
			return nil, errors.CastToDriverError(err).WithMessage(
				fmt.Sprintf("entry %q in %q points to a bad inode", entry.Name, path))
		}
		stat, err := fs.stat(&inode)
		if err != nil {
			return nil, err
		}
		listing = append(listing, tinyfs.NewDirectoryEntry(entry.Name, stat))
	}
	return listing, nil
}

// createObject allocates an inode for a new file or directory and links it
// into its parent. If linking fails, the inode is released again.
func (fs *FileSystem) createObject(path string, fileType FileType, perm os.FileMode) error {
	parent, name, err := fs.paths.ResolveParent(path)
	if err != nil {
		return err
	}
	if name == "" {
		return errors.ErrExists.WithMessage("the root directory always exists")
	}
	if err = ValidateName(name); err != nil {
		return err
	}

	_, err = fs.dirs.Lookup(&parent, name)
	if err == nil {
		return errors.ErrExists.WithMessage(fmt.Sprintf("%q", path))
	} else if !errors.IsErrno(err, errors.ENOENT) {
		return err
	}

	ino, err := fs.allocator.AllocateInode()
	if err != nil {
		fs.logger.Warn("can't create object", "path", path, "error", err)
		return err
	}

	mode := perm.Perm() | (perm & (os.ModeSetuid | os.ModeSetgid | os.ModeSticky))
	if fileType == TypeDirectory {
		mode |= os.ModeDir
	}
	inode := NewInode(
		ino,
		fileType,
		tinyfs.FileModeToMode(mode),
		fs.options.Uid,
		fs.options.Gid,
		fs.now(),
	)

	err = fs.inodes.Write(&inode)
	if err == nil {
		err = fs.dirs.Insert(&parent, name, ino)
	}
	if err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		if clearErr := fs.inodes.Clear(ino); clearErr != nil {
			result = multierror.Append(result, clearErr)
		}
		if freeErr := fs.allocator.FreeInode(ino); freeErr != nil {
			result = multierror.Append(result, freeErr)
		}
		if result.Len() > 1 {
			return errors.CastToDriverError(err).Wrap(result)
		}
		return err
	}
	return nil
}

// CreateFile creates an empty regular file at `path`. The parent directory
// must exist.
func (fs *FileSystem) CreateFile(path string, perm os.FileMode) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.checkMounted(); err != nil {
		return err
	}
	return fs.createObject(path, TypeFile, perm)
}

// MakeDirectory creates an empty directory at `path`. The parent directory must
// exist.
func (fs *FileSystem) MakeDirectory(path string, perm os.FileMode) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.checkMounted(); err != nil {
		return err
	}
	return fs.createObject(path, TypeDirectory, perm)
}

// removeObject unlinks the object at `path` and releases its blocks and inode.
// `check` is called on the object's inode before anything is modified.
func (fs *FileSystem) removeObject(path string, check func(*Inode) error) (Inode, error) {
	parent, name, err := fs.paths.ResolveParent(path)
	if err != nil {
		return Inode{}, err
	}
	if name == "" {
		return Inode{}, errors.ErrPermissionDenied.WithMessage(
			"can't remove the root directory")
	}

	entry, err := fs.dirs.Lookup(&parent, name)
	if err != nil {
		if errors.IsErrno(err, errors.ENOENT) {
			return Inode{}, errors.ErrNotFound.WithMessage(fmt.Sprintf("%q", path))
		}
		return Inode{}, err
	}

	inode, err := fs.inodes.Read(entry.Inumber)
	if err != nil {
		return Inode{}, err
	}
	if err = check(&inode); err != nil {
		return Inode{}, err
	}

	if _, err = fs.dirs.Remove(&parent, name); err != nil {
		return Inode{}, err
	}

	// Data blocks go back before the inode does.
	var result *multierror.Error
	if err = fs.data.FreeAll(&inode); err != nil {
		result = multierror.Append(result, err)
	}
	if err = fs.inodes.Clear(inode.Number); err != nil {
		result = multierror.Append(result, err)
	}
	if err = fs.allocator.FreeInode(inode.Number); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		fs.logger.Warn("object unlinked but not fully released", "path", path, "error", result)
		return parent, errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("failed to release %q", path)).Wrap(result)
	}
	return parent, nil
}

// RemoveFile deletes the regular file at `path`.
func (fs *FileSystem) RemoveFile(path string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.checkMounted(); err != nil {
		return err
	}

	_, err := fs.removeObject(path, func(inode *Inode) error {
		if inode.IsDir() {
			return errors.ErrIsADirectory.WithMessage(fmt.Sprintf("%q", path))
		}
		return nil
	})
	return err
}

// RemoveDirectory deletes the directory at `path`, which must be empty.
func (fs *FileSystem) RemoveDirectory(path string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.checkMounted(); err != nil {
		return err
	}

	parent, err := fs.removeObject(path, func(inode *Inode) error {
		if !inode.IsDir() {
			return errors.ErrNotADirectory.WithMessage(fmt.Sprintf("%q", path))
		}
		empty, err := fs.dirs.IsEmpty(inode)
		if err != nil {
			return err
		}
		if !empty {
			return errors.ErrDirectoryNotEmpty.WithMessage(fmt.Sprintf("%q", path))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if fs.options.ReclaimDirectoryBlocks {
		freed, err := fs.dirs.ReclaimEmptyBlocks(&parent)
		if err != nil {
			return err
		}
		if freed > 0 {
			fs.logger.Debug("reclaimed directory blocks", "directory", parent.Number, "blocks", freed)
		}
	}
	return nil
}

// resolveFile resolves `path` and fails if it's a directory.
func (fs *FileSystem) resolveFile(path string) (Inode, error) {
	inode, err := fs.paths.Resolve(path)
	if err != nil {
		return Inode{}, err
	}
	if inode.IsDir() {
		return Inode{}, errors.ErrIsADirectory.WithMessage(fmt.Sprintf("%q", path))
	}
	return inode, nil
}

// ReadFile reads up to `length` bytes from the file at `path`, beginning at
// byte `offset`. Fewer bytes are returned if the read runs into the end of the
// file or a region that was never written.
func (fs *FileSystem) ReadFile(path string, offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("bad read range: offset %d, length %d", offset, length))
	}

	fs.lock.RLock()
	if fs.mounted && fs.options.UpdateAccessTime {
		fs.lock.RUnlock()
		fs.lock.Lock()
		defer fs.lock.Unlock()
		return fs.readFile(path, offset, length, true)
	}
	defer fs.lock.RUnlock()
	return fs.readFile(path, offset, length, false)
}

func (fs *FileSystem) readFile(path string, offset int64, length int, setAtime bool) ([]byte, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	inode, err := fs.resolveFile(path)
	if err != nil {
		return nil, err
	}

	data, err := fs.data.Read(&inode, uint64(offset), uint(length))
	if err != nil || !setAtime {
		return data, err
	}

	inode.LastAccessed = fs.now()
	return data, fs.inodes.Write(&inode)
}

// WriteFile writes `data` to the file at `path` beginning at byte `offset`,
// growing the file as needed. It returns the number of bytes written, which is
// less than len(data) only if an error is also returned.
func (fs *FileSystem) WriteFile(path string, offset int64, data []byte) (int, error) {
	if offset < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative offset %d", offset))
	}

	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.checkMounted(); err != nil {
		return 0, err
	}

	inode, err := fs.resolveFile(path)
	if err != nil {
		return 0, err
	}

	written, err := fs.data.Write(&inode, uint64(offset), data)
	if err != nil && errors.IsErrno(err, errors.ENOSPC) {
		fs.logger.Warn(
			"short write",
			"path", path,
			"requested", len(data),
			"written", written)
	}
	return written, err
}

// Truncate changes the size of the file at `path`. Growing a file doesn't
// allocate any blocks.
func (fs *FileSystem) Truncate(path string, size int64) error {
	if size < 0 {
		return errors.ErrInvalidArgument.WithMessage(fmt.Sprintf("negative size %d", size))
	}

	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.checkMounted(); err != nil {
		return err
	}

	inode, err := fs.resolveFile(path)
	if err != nil {
		return err
	}
	return fs.data.Truncate(&inode, uint64(size))
}

// updateInode resolves `path`, applies `update` to its inode, sets the change
// time, and writes the inode back.
func (fs *FileSystem) updateInode(path string, update func(*Inode)) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err := fs.checkMounted(); err != nil {
		return err
	}

	inode, err := fs.paths.Resolve(path)
	if err != nil {
		return err
	}

	update(&inode)
	inode.LastChanged = fs.now()
	return fs.inodes.Write(&inode)
}

// Chmod replaces the permission bits of the object at `path`. Type bits in
// `perm` are ignored.
func (fs *FileSystem) Chmod(path string, perm os.FileMode) error {
	return fs.updateInode(path, func(inode *Inode) {
		mode := perm.Perm() | (perm & (os.ModeSetuid | os.ModeSetgid | os.ModeSticky))
		if inode.IsDir() {
			mode |= os.ModeDir
		}
		inode.Mode = tinyfs.FileModeToMode(mode)
	})
}

// Chown changes the owner and group of the object at `path`.
func (fs *FileSystem) Chown(path string, uid, gid uint32) error {
	return fs.updateInode(path, func(inode *Inode) {
		inode.Uid = uid
		inode.Gid = gid
	})
}

// Chtimes sets the access and modification times of the object at `path`.
func (fs *FileSystem) Chtimes(path string, atime, mtime time.Time) error {
	return fs.updateInode(path, func(inode *Inode) {
		inode.LastAccessed = atime
		inode.LastModified = mtime
	})
}
