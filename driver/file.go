package driver

import (
	"fmt"
	"io"
	"os"
	posixpath "path"
	"sync"
	"time"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/errors"
)

// FileInfo gives detailed information about a file. It implements the
// [os.FileInfo] interface.
type FileInfo struct {
	tinyfs.FileStat
	absolutePath string
}

func (info FileInfo) Name() string {
	return posixpath.Base(info.absolutePath)
}

func (info FileInfo) Size() int64 {
	return info.FileStat.Size
}

func (info FileInfo) Mode() os.FileMode {
	return info.FileStat.ModeFlags
}

func (info FileInfo) ModTime() time.Time {
	return info.FileStat.LastModified
}

func (info FileInfo) IsDir() bool {
	return info.FileStat.IsDir()
}

func (info FileInfo) Sys() any {
	return info.FileStat
}

////////////////////////////////////////////////////////////////////////////////

// File is an open regular file, emulating the subset of [os.File] that makes
// sense here. It's safe for concurrent use.
//
// The handle doesn't cache anything besides the file's size and block size;
// every read and write goes straight to the file system.
type File struct {
	driver    *Driver
	path      string
	ioFlags   tinyfs.IOFlags
	blockSize int64
	size      int64
	position  int64
	closed    bool
	lock      sync.Mutex
}

func newFile(driver *Driver, absPath string, stat tinyfs.FileStat, flags tinyfs.IOFlags) (*File, error) {
	file := &File{
		driver:    driver,
		path:      absPath,
		ioFlags:   flags,
		blockSize: stat.BlockSize,
		size:      stat.Size,
	}

	if flags.Truncate() && flags.Write() {
		return file, file.Truncate(0)
	}
	return file, nil
}

func (file *File) checkOpen() error {
	if file.closed {
		return errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("%q has already been closed", file.path))
	}
	return nil
}

func (file *File) checkReadable() error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	if !file.ioFlags.Read() {
		return errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("%q wasn't opened for reading", file.path))
	}
	return nil
}

func (file *File) checkWritable() error {
	if err := file.checkOpen(); err != nil {
		return err
	}
	if !file.ioFlags.Write() {
		return errors.ErrInvalidHandle.WithMessage(
			fmt.Sprintf("%q wasn't opened for writing", file.path))
	}
	return nil
}

// Name returns the absolute path the file was opened with.
func (file *File) Name() string {
	return file.path
}

// Size returns the size of the file, in bytes, as far as this handle knows.
func (file *File) Size() int64 {
	file.lock.Lock()
	defer file.lock.Unlock()
	return file.size
}

// Close releases the handle. Since nothing is buffered, there's nothing to
// write out.
func (file *File) Close() error {
	file.lock.Lock()
	defer file.lock.Unlock()

	if err := file.checkOpen(); err != nil {
		return err
	}
	file.closed = true
	return nil
}

func (file *File) Read(buffer []byte) (int, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	totalRead, err := file.readAt(buffer, file.position)
	file.position += int64(totalRead)
	return totalRead, err
}

func (file *File) ReadAt(buffer []byte, offset int64) (int, error) {
	file.lock.Lock()
	defer file.lock.Unlock()
	return file.readAt(buffer, offset)
}

// readAt fills `buffer` from `offset`. The file system stops reading at the
// first block that was never written; such blocks read as zeroes here. The
// caller must hold the lock.
func (file *File) readAt(buffer []byte, offset int64) (int, error) {
	if err := file.checkReadable(); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("negative offset %d", offset))
	}

	// Clamp the number of bytes to read to whichever is smaller; the length of
	// the buffer or the end of the file.
	if offset >= file.size {
		return 0, io.EOF
	}
	numBytesToRead := int64(len(buffer))
	if offset+numBytesToRead > file.size {
		numBytesToRead = file.size - offset
	}

	totalRead := int64(0)
	for totalRead < numBytesToRead {
		position := offset + totalRead
		data, err := file.driver.fs.ReadFile(file.path, position, int(numBytesToRead-totalRead))
		copy(buffer[totalRead:], data)
		totalRead += int64(len(data))
		if err != nil {
			return int(totalRead), err
		}

		if totalRead < numBytesToRead {
			// Hit a hole. Zero-fill to the start of the next block and keep
			// going from there.
			position = offset + totalRead
			holeEnd := min((position/file.blockSize+1)*file.blockSize, offset+numBytesToRead)
			clear(buffer[totalRead : holeEnd-offset])
			totalRead = holeEnd - offset
		}
	}

	if numBytesToRead < int64(len(buffer)) {
		return int(totalRead), io.EOF
	}
	return int(totalRead), nil
}

// Seek resets the file pointer to `offset` bytes from the origin specified in
// `whence`. It must be one of [io.SeekStart], [io.SeekCurrent], or [io.SeekEnd].
//
// Seeking past the end of the file is possible; the file will grow upon the
// next write. Attempting to read past the end of the file returns no data.
func (file *File) Seek(offset int64, whence int) (int64, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	if err := file.checkOpen(); err != nil {
		return 0, err
	}

	var absoluteOffset int64
	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = file.position + offset
	case io.SeekEnd:
		absoluteOffset = file.size + offset
	default:
		return file.position, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid seek origin: %d", whence))
	}

	if absoluteOffset < 0 {
		return file.position, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"result of Seek(offset=%d, whence=%d) is negative",
				offset,
				whence))
	}

	file.position = absoluteOffset
	return absoluteOffset, nil
}

// Tell returns the current file position. It's a more concise way of calling
// `Seek(0, io.SeekCurrent)`.
func (file *File) Tell() int64 {
	file.lock.Lock()
	defer file.lock.Unlock()
	return file.position
}

// Truncate resizes the file to the given number of bytes but does not move the
// file pointer.
func (file *File) Truncate(size int64) error {
	file.lock.Lock()
	defer file.lock.Unlock()

	if err := file.checkWritable(); err != nil {
		return err
	}
	if err := file.driver.fs.Truncate(file.path, size); err != nil {
		return err
	}
	file.size = size
	return nil
}

func (file *File) Write(buffer []byte) (int, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	// Force the file pointer to the end of the file if O_APPEND was set.
	if file.ioFlags.Append() {
		file.position = file.size
	}

	totalWritten, err := file.writeAt(buffer, file.position)
	file.position += int64(totalWritten)
	return totalWritten, err
}

// WriteAt writes at an explicit offset. It isn't allowed on files opened with
// [tinyfs.O_APPEND], as with [os.File].
func (file *File) WriteAt(buffer []byte, offset int64) (int, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	if file.ioFlags.Append() {
		return 0, errors.ErrNotPermitted.WithMessage(
			fmt.Sprintf("%q was opened in append mode", file.path))
	}
	return file.writeAt(buffer, offset)
}

// writeAt does the work of Write and WriteAt. The caller must hold the lock.
func (file *File) writeAt(buffer []byte, offset int64) (int, error) {
	if err := file.checkWritable(); err != nil {
		return 0, err
	}

	written, err := file.driver.fs.WriteFile(file.path, offset, buffer)
	if end := offset + int64(written); end > file.size {
		file.size = end
	}
	return written, err
}

// WriteString writes a string to the file.
func (file *File) WriteString(s string) (int, error) {
	return file.Write([]byte(s))
}

// ReadFrom copies everything from `r` into the file at the current position,
// one block at a time.
func (file *File) ReadFrom(r io.Reader) (int64, error) {
	buffer := make([]byte, file.blockSize)
	total := int64(0)

	for {
		lastReadSize, readErr := r.Read(buffer)
		if lastReadSize > 0 {
			written, writeErr := file.Write(buffer[:lastReadSize])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
		}

		if readErr == io.EOF {
			return total, nil
		} else if readErr != nil {
			return total, readErr
		}
	}
}

// WriteTo copies the file from the current position to the end into `w`, one
// block at a time.
func (file *File) WriteTo(w io.Writer) (int64, error) {
	buffer := make([]byte, file.blockSize)
	total := int64(0)

	for {
		readSize, readErr := file.Read(buffer)

		// Always write the data we've read in regardless of whether an error
		// occurred or not.
		if readSize > 0 {
			written, writeErr := w.Write(buffer[:readSize])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
		}

		if readErr == io.EOF {
			return total, nil
		} else if readErr != nil {
			return total, readErr
		}
	}
}

// Stat returns fresh information about the file from the file system.
func (file *File) Stat() (os.FileInfo, error) {
	file.lock.Lock()
	defer file.lock.Unlock()

	if err := file.checkOpen(); err != nil {
		return nil, err
	}

	stat, err := file.driver.fs.GetAttributes(file.path)
	if err != nil {
		return nil, err
	}
	file.size = stat.Size
	return FileInfo{FileStat: stat, absolutePath: file.path}, nil
}

// Chdir is here for compatibility with [os.File]. Files can't be working
// directories, so it always fails.
func (file *File) Chdir() error {
	return errors.ErrNotADirectory.WithMessage(file.path)
}

func (file *File) Chmod(mode os.FileMode) error {
	return file.driver.Chmod(file.path, mode)
}

func (file *File) Chown(uid, gid int) error {
	return file.driver.Chown(file.path, uid, gid)
}
