// This is a compatibility shim for POSIX-defined errno codes across platforms.
// The syscall package doesn't define all the values we need on all systems,
// particularly things like EUCLEAN.

package errors

import (
	"fmt"
)

type Errno int

const (
	EOK Errno = iota
	EPERM
	ENOENT
	EINTR
	EIO
	EBADF
	EAGAIN
	EACCES
	EFAULT
	ENOTBLK
	EBUSY
	EEXIST
	EXDEV
	ENODEV
	ENOTDIR
	EISDIR
	EINVAL
	ENFILE
	EMFILE
	EFBIG
	ENOSPC
	ESPIPE
	EROFS
	EMLINK
	EDOM
	ERANGE
	EDEADLK
	ENAMETOOLONG
	ENOSYS
	ENOTEMPTY
	ELOOP
	ENODATA
	EOVERFLOW
	EBADFD
	EUSERS
	ENOTSUP
	ENOBUFS
	EALREADY
	ESTALE
	EUCLEAN
	EDQUOT
	EMEDIUMTYPE
)

var ErrNotPermitted = New(EPERM)
var ErrNotFound = New(ENOENT)
var ErrIOFailed = New(EIO)
var ErrInvalidHandle = New(EBADF)
var ErrExists = New(EEXIST)
var ErrPermissionDenied = New(EACCES)
var ErrNoDevice = New(ENODEV)
var ErrNotADirectory = New(ENOTDIR)
var ErrIsADirectory = New(EISDIR)
var ErrInvalidArgument = New(EINVAL)
var ErrFileTooLarge = New(EFBIG)
var ErrNoSpaceOnDevice = New(ENOSPC)
var ErrReadOnlyFileSystem = New(EROFS)
var ErrNameTooLong = New(ENAMETOOLONG)
var ErrNotImplemented = New(ENOSYS)
var ErrDirectoryNotEmpty = New(ENOTEMPTY)
var ErrNotSupported = New(ENOTSUP)
var ErrFileSystemCorrupted = New(EUCLEAN)
var ErrAlreadyInProgress = New(EALREADY)
var ErrInvalidFileSystem = New(EMEDIUMTYPE)

// ErrNotMounted is returned by every file system operation called before
// Mount() or after Unmount().
var ErrNotMounted = NewWithMessage(ENODEV, "file system is not mounted")

var errorMessagesByCode = map[Errno]string{
	EPERM:        "Operation not permitted",
	ENOENT:       "No such file or directory",
	EINTR:        "Interrupted system call",
	EIO:          "Input/output error",
	EBADF:        "Bad file descriptor",
	EAGAIN:       "Resource temporarily unavailable",
	EACCES:       "Permission denied",
	EFAULT:       "Bad address",
	ENOTBLK:      "Block device required",
	EBUSY:        "Device or resource busy",
	EEXIST:       "File exists",
	EXDEV:        "Invalid cross-device link",
	ENODEV:       "No such device",
	ENOTDIR:      "Not a directory",
	EISDIR:       "Is a directory",
	EINVAL:       "Invalid argument",
	ENFILE:       "Too many open files in system",
	EMFILE:       "Too many open files",
	EFBIG:        "File too large",
	ENOSPC:       "No space left on device",
	ESPIPE:       "Illegal seek",
	EROFS:        "Read-only file system",
	EMLINK:       "Too many links",
	EDOM:         "Numerical argument out of domain",
	ERANGE:       "Numerical result out of range",
	ENAMETOOLONG: "File name too long",
	ENOSYS:       "Function not implemented",
	ENOTEMPTY:    "Directory not empty",
	ELOOP:        "Too many levels of symbolic links",
	ENODATA:      "No data available",
	EOVERFLOW:    "Value too large for defined data type",
	EBADFD:       "File descriptor in bad state",
	EUSERS:       "Too many users",
	ENOTSUP:      "Operation not supported",
	ENOBUFS:      "No buffer space available",
	EALREADY:     "Operation already in progress",
	ESTALE:       "Stale file handle",
	EUCLEAN:      "Structure needs cleaning",
	EDQUOT:       "Disk quota exceeded",
	EMEDIUMTYPE:  "Wrong medium type",
}

func StrError(code Errno) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}
