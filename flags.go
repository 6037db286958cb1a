package tinyfs

import "os"

const (
	S_IXOTH = 1 << iota // 00001
	S_IWOTH = 1 << iota // 00002
	S_IROTH = 1 << iota
	S_IXGRP = 1 << iota
	S_IWGRP = 1 << iota // 00010
	S_IRGRP = 1 << iota
	S_IXUSR = 1 << iota
	S_IWUSR = 1 << iota
	S_IRUSR = 1 << iota // 00100
	S_ISVTX = 1 << iota
	S_ISGID = 1 << iota
	S_ISUID = 1 << iota
	S_IFIFO = 1 << iota // 01000
	S_IFCHR = 1 << iota // 02000
	S_IFDIR = 1 << iota // 04000
	S_IFREG = 1 << iota // 08000
)

const S_IFMT = 0xf000

const S_IRWXO = S_IXOTH | S_IWOTH | S_IROTH
const S_IRWXG = S_IXGRP | S_IWGRP | S_IRGRP
const S_IRWXU = S_IXUSR | S_IWUSR | S_IRUSR

// DefaultDirectoryPermissions is what a directory gets if the caller doesn't
// ask for anything in particular (0755).
const DefaultDirectoryPermissions = S_IRWXU | S_IRGRP | S_IXGRP | S_IROTH | S_IXOTH

// DefaultFilePermissions is what a file gets if the caller doesn't ask for
// anything in particular (0644).
const DefaultFilePermissions = S_IRUSR | S_IWUSR | S_IRGRP | S_IROTH

// ModeToFileMode converts a POSIX st_mode value into an [os.FileMode]. Only
// regular files and directories are recognized; other type bits are dropped.
func ModeToFileMode(mode uint32) os.FileMode {
	fileMode := os.FileMode(mode & 0o777)
	if mode&S_ISUID != 0 {
		fileMode |= os.ModeSetuid
	}
	if mode&S_ISGID != 0 {
		fileMode |= os.ModeSetgid
	}
	if mode&S_ISVTX != 0 {
		fileMode |= os.ModeSticky
	}
	if mode&S_IFMT == S_IFDIR {
		fileMode |= os.ModeDir
	}
	return fileMode
}

// FileModeToMode is the inverse of [ModeToFileMode].
func FileModeToMode(fileMode os.FileMode) uint32 {
	mode := uint32(fileMode.Perm())
	if fileMode&os.ModeSetuid != 0 {
		mode |= S_ISUID
	}
	if fileMode&os.ModeSetgid != 0 {
		mode |= S_ISGID
	}
	if fileMode&os.ModeSticky != 0 {
		mode |= S_ISVTX
	}
	if fileMode.IsDir() {
		mode |= S_IFDIR
	} else {
		mode |= S_IFREG
	}
	return mode
}

// IOFlags describes how a file is opened. The values are the same as the
// corresponding os.O_* flags, so they can be converted freely.
type IOFlags int

const (
	O_RDONLY = IOFlags(os.O_RDONLY)
	O_WRONLY = IOFlags(os.O_WRONLY)
	O_RDWR   = IOFlags(os.O_RDWR)
	O_APPEND = IOFlags(os.O_APPEND)
	O_CREATE = IOFlags(os.O_CREATE)
	O_EXCL   = IOFlags(os.O_EXCL)
	O_SYNC   = IOFlags(os.O_SYNC)
	O_TRUNC  = IOFlags(os.O_TRUNC)
)

const accessModeMask = O_RDONLY | O_WRONLY | O_RDWR

func (flags IOFlags) Read() bool {
	mode := flags & accessModeMask
	return mode == O_RDONLY || mode == O_RDWR
}

func (flags IOFlags) Write() bool {
	mode := flags & accessModeMask
	return mode == O_WRONLY || mode == O_RDWR
}

func (flags IOFlags) Append() bool {
	return flags&O_APPEND != 0
}

func (flags IOFlags) Create() bool {
	return flags&O_CREATE != 0
}

func (flags IOFlags) Exclusive() bool {
	return flags&O_EXCL != 0
}

func (flags IOFlags) Synchronous() bool {
	return flags&O_SYNC != 0
}

func (flags IOFlags) Truncate() bool {
	return flags&O_TRUNC != 0
}

// RequiresWritePerm returns true if opening a file with these flags can modify
// the file system.
func (flags IOFlags) RequiresWritePerm() bool {
	return flags.Write() || flags.Create() || flags.Truncate()
}
