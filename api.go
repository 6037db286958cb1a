// Package tinyfs holds the types shared between the tinyfs file system core,
// the os-like driver sitting on top of it, and the command-line tool.
package tinyfs

import (
	"io/fs"
	"os"
	"time"
)

// FileStat is the status information of a single file or directory, roughly
// equivalent to a POSIX `struct stat`.
//
// File systems that don't track a particular field should use a reasonable
// default; 0 is fine for most of these.
type FileStat struct {
	InodeNumber uint64
	Nlinks      uint64
	// ModeFlags holds the permission bits as well as the type bits
	// (os.ModeDir etc.) of the object.
	ModeFlags os.FileMode
	Uid       uint32
	Gid       uint32
	// Size is the size of the object in bytes. For directories this is the
	// number of live entries times the size of one on-disk entry.
	Size int64
	// BlockSize is the size of a single block on the image, in bytes.
	BlockSize int64
	// NumBlocks is the number of data blocks the object occupies, not counting
	// indirect blocks.
	NumBlocks    int64
	LastAccessed time.Time
	LastModified time.Time
	LastChanged  time.Time
}

func (stat FileStat) IsDir() bool {
	return stat.ModeFlags.IsDir()
}

func (stat FileStat) IsFile() bool {
	return stat.ModeFlags.IsRegular()
}

// FSStat is the statistics of a mounted file system, as in statfs(2).
type FSStat struct {
	BlockSize       int64
	TotalBlocks     uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Files           uint64
	FilesFree       uint64
	MaxNameLength   int64
}

// DirectoryEntry represents a file or directory encountered on the file
// system. It implements both the [os.FileInfo] and [fs.DirEntry] interfaces.
type DirectoryEntry struct {
	name string
	Stat FileStat
}

// NewDirectoryEntry creates a DirectoryEntry for the object called `name`.
func NewDirectoryEntry(name string, stat FileStat) DirectoryEntry {
	return DirectoryEntry{name: name, Stat: stat}
}

// Name returns the base name of the directory entry on the file system.
func (d DirectoryEntry) Name() string {
	return d.name
}

func (d DirectoryEntry) Size() int64 {
	return d.Stat.Size
}

// ModTime returns the last modification timestamp of the DirectoryEntry.
func (d DirectoryEntry) ModTime() time.Time {
	return d.Stat.LastModified
}

// Mode returns the file system mode of the directory entry. If you need more
// detailed information, see DirectoryEntry.Stat.
func (d DirectoryEntry) Mode() os.FileMode {
	return d.Stat.ModeFlags
}

// Type returns the type bits of the entry, as required by [fs.DirEntry].
func (d DirectoryEntry) Type() fs.FileMode {
	return d.Stat.ModeFlags.Type()
}

// IsDir returns true if it's a directory.
func (d DirectoryEntry) IsDir() bool {
	return d.Stat.IsDir()
}

// Info returns the entry itself, since it implements [os.FileInfo].
func (d DirectoryEntry) Info() (fs.FileInfo, error) {
	return d, nil
}

// Sys returns a copy of the FileStat backing this directory entry.
func (d DirectoryEntry) Sys() any {
	return d.Stat
}
