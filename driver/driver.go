package driver

import (
	"fmt"
	"io"
	"os"
	posixpath "path"
	"path/filepath"
	"sync"
	"time"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/errors"
	"github.com/dargueta/tinyfs/file_systems/tfs"
)

// Driver puts an [os]-like interface on top of a mounted file system: relative
// paths, a working directory, and file handles with a position.
type Driver struct {
	fs             *tfs.FileSystem
	readOnly       bool
	workingDirPath string
	// wdLock only protects the working directory; the file system does its
	// own locking.
	wdLock sync.RWMutex
}

// New creates a [Driver] for a mounted file system. If `readOnly` is set, all
// operations that would modify the file system fail with
// [errors.ErrReadOnlyFileSystem].
func New(fs *tfs.FileSystem, readOnly bool) *Driver {
	return &Driver{
		fs:             fs,
		readOnly:       readOnly,
		workingDirPath: "/",
	}
}

// FileSystem returns the file system the driver operates on.
func (driver *Driver) FileSystem() *tfs.FileSystem {
	return driver.fs
}

// NormalizePath converts `path` into a clean absolute path, resolving it
// relative to the working directory if needed. ".." components are resolved
// lexically here, since the file system itself doesn't store them.
func (driver *Driver) NormalizePath(path string) string {
	path = posixpath.Clean(filepath.ToSlash(path))
	if path == "." {
		path = ""
	}
	if posixpath.IsAbs(path) {
		return path
	}

	driver.wdLock.RLock()
	defer driver.wdLock.RUnlock()
	return posixpath.Join(driver.workingDirPath, path)
}

func (driver *Driver) checkWritable(operation, path string) error {
	if driver.readOnly {
		return errors.ErrReadOnlyFileSystem.WithMessage(
			fmt.Sprintf("can't %s %q: image is mounted read-only", operation, path))
	}
	return nil
}

// OpenFile opens a file for I/O.
func (driver *Driver) OpenFile(path string, flags tinyfs.IOFlags, perm os.FileMode) (*File, error) {
	absPath := driver.NormalizePath(path)

	if flags.RequiresWritePerm() {
		if err := driver.checkWritable("open for writing", absPath); err != nil {
			return nil, err
		}
	}

	stat, err := driver.fs.GetAttributes(absPath)
	if err != nil {
		// If the file is missing we may be able to create it and proceed.
		if !errors.Is(err, errors.ErrNotFound) || !flags.Create() {
			return nil, err
		}

		err = driver.fs.CreateFile(absPath, perm)
		if err != nil {
			return nil, err
		}
		stat, err = driver.fs.GetAttributes(absPath)
		if err != nil {
			return nil, err
		}
	} else if flags.Create() && flags.Exclusive() {
		return nil, errors.ErrExists.WithMessage(fmt.Sprintf("%q", absPath))
	}

	if stat.IsDir() {
		return nil, errors.ErrIsADirectory.WithMessage(absPath)
	}
	return newFile(driver, absPath, stat, flags)
}

// Open opens a file for reading.
func (driver *Driver) Open(path string) (*File, error) {
	return driver.OpenFile(path, tinyfs.O_RDONLY, 0)
}

// Create creates a file and opens it for reading and writing. It fails if the
// file already exists.
func (driver *Driver) Create(path string) (*File, error) {
	return driver.OpenFile(
		path,
		tinyfs.O_RDWR|tinyfs.O_CREATE|tinyfs.O_EXCL,
		tinyfs.DefaultFilePermissions,
	)
}

func (driver *Driver) Chdir(path string) error {
	absPath := driver.NormalizePath(path)

	stat, err := driver.fs.GetAttributes(absPath)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return errors.ErrNotADirectory.WithMessage(absPath)
	}

	driver.wdLock.Lock()
	defer driver.wdLock.Unlock()
	driver.workingDirPath = absPath
	return nil
}

// Getwd returns the working directory as an absolute path. The error will
// always be nil; it's only there for compatibility with [os.Getwd].
func (driver *Driver) Getwd() (string, error) {
	driver.wdLock.RLock()
	defer driver.wdLock.RUnlock()
	return driver.workingDirPath, nil
}

// ReadFile returns the entire contents of a file. Regions of the file that
// were never written read as zeroes.
func (driver *Driver) ReadFile(path string) ([]byte, error) {
	handle, err := driver.Open(path)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	buffer := make([]byte, handle.Size())
	_, err = handle.ReadAt(buffer, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buffer, nil
}

// WriteFile sets the contents of a file to the given data, creating it if
// necessary.
func (driver *Driver) WriteFile(path string, data []byte, perm os.FileMode) error {
	handle, err := driver.OpenFile(
		path,
		tinyfs.O_WRONLY|tinyfs.O_CREATE|tinyfs.O_TRUNC,
		perm,
	)
	if err != nil {
		return err
	}
	defer handle.Close()

	_, err = handle.Write(data)
	return err
}

func (driver *Driver) SameFile(fi1, fi2 os.FileInfo) bool {
	stat1, ok1 := fi1.Sys().(tinyfs.FileStat)
	stat2, ok2 := fi2.Sys().(tinyfs.FileStat)
	return ok1 && ok2 && stat1.InodeNumber == stat2.InodeNumber
}

func (driver *Driver) Stat(path string) (tinyfs.FileStat, error) {
	return driver.fs.GetAttributes(driver.NormalizePath(path))
}

// ReadDir returns the contents of a directory, without "." and "..".
func (driver *Driver) ReadDir(path string) ([]tinyfs.DirectoryEntry, error) {
	entries, err := driver.fs.ListDirectory(driver.NormalizePath(path))
	if err != nil {
		return nil, err
	}
	return removeDotEntries(entries), nil
}

// removeDotEntries returns a copy of `entries`, filtering out "." and "..". If
// neither are in the slice, it returns `entries` unmodified.
func removeDotEntries(entries []tinyfs.DirectoryEntry) []tinyfs.DirectoryEntry {
	numToIgnore := 0
	for _, entry := range entries {
		if entry.Name() == "." || entry.Name() == ".." {
			numToIgnore++
		}
	}
	if numToIgnore == 0 {
		return entries
	}

	filtered := make([]tinyfs.DirectoryEntry, 0, len(entries)-numToIgnore)
	for _, entry := range entries {
		if entry.Name() != "." && entry.Name() != ".." {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// Remove deletes a file or an empty directory.
func (driver *Driver) Remove(path string) error {
	absPath := driver.NormalizePath(path)
	if err := driver.checkWritable("remove", absPath); err != nil {
		return err
	}

	stat, err := driver.fs.GetAttributes(absPath)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return driver.fs.RemoveDirectory(absPath)
	}
	return driver.fs.RemoveFile(absPath)
}

// RemoveAll deletes `path` and, if it's a directory, everything in it. It's
// not an error if `path` doesn't exist.
//
// Deletion is depth-first, and terminates on the first error encountered.
// Ownership and other permissions are not checked.
func (driver *Driver) RemoveAll(path string) error {
	absPath := driver.NormalizePath(path)
	if err := driver.checkWritable("remove", absPath); err != nil {
		return err
	}

	// Block an attempt at `rm -rf /`.
	if absPath == "/" {
		return errors.ErrPermissionDenied.WithMessage("you can't remove the root directory")
	}

	stat, err := driver.fs.GetAttributes(absPath)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}
	if !stat.IsDir() {
		return driver.fs.RemoveFile(absPath)
	}
	return driver.removeDirectory(absPath)
}

// removeDirectory is equivalent to `rm -rf` for an absolute directory path.
func (driver *Driver) removeDirectory(absPath string) error {
	entries, err := driver.ReadDir(absPath)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		entryPath := posixpath.Join(absPath, entry.Name())
		if entry.IsDir() {
			err = driver.removeDirectory(entryPath)
		} else {
			err = driver.fs.RemoveFile(entryPath)
		}
		if err != nil {
			return err
		}
	}
	return driver.fs.RemoveDirectory(absPath)
}

// Truncate changes the size of a file.
func (driver *Driver) Truncate(path string, size int64) error {
	absPath := driver.NormalizePath(path)
	if err := driver.checkWritable("truncate", absPath); err != nil {
		return err
	}
	return driver.fs.Truncate(absPath, size)
}

func (driver *Driver) Mkdir(path string, perm os.FileMode) error {
	absPath := driver.NormalizePath(path)
	if err := driver.checkWritable("create", absPath); err != nil {
		return err
	}
	return driver.fs.MakeDirectory(absPath, perm)
}

// MkdirAll creates a directory along with any missing parents. It's not an
// error if the directory already exists.
func (driver *Driver) MkdirAll(path string, perm os.FileMode) error {
	absPath := driver.NormalizePath(path)
	if err := driver.checkWritable("create", absPath); err != nil {
		return err
	}

	stat, err := driver.fs.GetAttributes(absPath)
	if err == nil {
		if !stat.IsDir() {
			return errors.ErrNotADirectory.WithMessage(absPath)
		}
		return nil
	} else if !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	parentDir := posixpath.Dir(absPath)
	if parentDir != absPath {
		if err = driver.MkdirAll(parentDir, perm); err != nil {
			return err
		}
	}

	err = driver.fs.MakeDirectory(absPath, perm)
	if errors.Is(err, errors.ErrExists) {
		// Somebody else created it in the meantime.
		return nil
	}
	return err
}

func (driver *Driver) Chmod(path string, mode os.FileMode) error {
	absPath := driver.NormalizePath(path)
	if err := driver.checkWritable("chmod", absPath); err != nil {
		return err
	}
	return driver.fs.Chmod(absPath, mode)
}

func (driver *Driver) Chown(path string, uid, gid int) error {
	absPath := driver.NormalizePath(path)
	if err := driver.checkWritable("chown", absPath); err != nil {
		return err
	}
	if uid < 0 || gid < 0 {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("uid and gid must be non-negative, got %d and %d", uid, gid))
	}
	return driver.fs.Chown(absPath, uint32(uid), uint32(gid))
}

func (driver *Driver) Chtimes(path string, atime, mtime time.Time) error {
	absPath := driver.NormalizePath(path)
	if err := driver.checkWritable("change times of", absPath); err != nil {
		return err
	}
	return driver.fs.Chtimes(absPath, atime, mtime)
}

func (driver *Driver) FSStat() (tinyfs.FSStat, error) {
	return driver.fs.FSStat()
}
