package snapshot

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
)

// Magic identifies a snapshot stream.
var Magic = [4]byte{'T', 'F', 'S', 'Z'}

const Version = 1

// Header is the uncompressed start of a snapshot.
type Header struct {
	Magic       [4]byte
	Version     uint16
	Reserved    uint16
	BlockSize   uint32
	TotalBlocks uint32
}

// ImageSize gives the size of the restored image, in bytes.
func (header Header) ImageSize() int64 {
	return int64(header.BlockSize) * int64(header.TotalBlocks)
}

// deviceReader streams the blocks of a device in order.
type deviceReader struct {
	device  c.BlockDevice
	next    c.PhysicalBlock
	buffer  []byte
	pending []byte
}

func (reader *deviceReader) Read(output []byte) (int, error) {
	if len(reader.pending) == 0 {
		if uint(reader.next) >= reader.device.TotalBlocks() {
			return 0, io.EOF
		}
		if err := reader.device.ReadBlock(reader.next, reader.buffer); err != nil {
			return 0, err
		}
		reader.next++
		reader.pending = reader.buffer
	}

	n := copy(output, reader.pending)
	reader.pending = reader.pending[n:]
	return n, nil
}

// deviceWriter fills the blocks of a device in order.
type deviceWriter struct {
	device c.BlockDevice
	next   c.PhysicalBlock
	buffer []byte
	filled int
}

func (writer *deviceWriter) Write(input []byte) (int, error) {
	total := 0
	for len(input) > 0 {
		if uint(writer.next) >= writer.device.TotalBlocks() {
			return total, errors.ErrNoSpaceOnDevice.WithMessage(
				"snapshot holds more data than its header says")
		}

		n := copy(writer.buffer[writer.filled:], input)
		writer.filled += n
		total += n
		input = input[n:]

		if writer.filled == len(writer.buffer) {
			if err := writer.device.WriteBlock(writer.next, writer.buffer); err != nil {
				return total, err
			}
			writer.next++
			writer.filled = 0
		}
	}
	return total, nil
}

// Export writes a snapshot of every block on `device` to `output`.
func Export(device c.BlockDevice, output io.Writer) error {
	header := Header{
		Magic:       Magic,
		Version:     Version,
		BlockSize:   uint32(device.BytesPerBlock()),
		TotalBlocks: uint32(device.TotalBlocks()),
	}
	if err := binary.Write(output, binary.LittleEndian, &header); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	gzWriter, err := gzip.NewWriterLevel(output, gzip.BestCompression)
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}

	reader := &deviceReader{
		device: device,
		buffer: make([]byte, device.BytesPerBlock()),
	}
	if err := encodeRLE8(reader, gzWriter); err != nil {
		gzWriter.Close()
		return errors.CastToDriverError(err)
	}
	if err := gzWriter.Close(); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

// ReadHeader reads and checks the header of a snapshot. Call it before
// [Restore] to find out what size of device to restore to.
func ReadHeader(input io.Reader) (Header, error) {
	var header Header
	if err := binary.Read(input, binary.LittleEndian, &header); err != nil {
		return header, errors.ErrInvalidArgument.WithMessage(
			"truncated snapshot header").Wrap(err)
	}
	if header.Magic != Magic {
		return header, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("not a snapshot: bad magic %q", header.Magic[:]))
	}
	if header.Version != Version {
		return header, errors.ErrNotSupported.WithMessage(
			fmt.Sprintf("snapshot version %d isn't supported", header.Version))
	}
	if header.BlockSize == 0 || header.TotalBlocks == 0 {
		return header, errors.ErrInvalidArgument.WithMessage(
			"snapshot header describes an empty image")
	}
	return header, nil
}

// Restore decompresses the rest of a snapshot onto `device`, which must have
// the geometry given in `header`. The snapshot must fill the device exactly.
func Restore(input io.Reader, header Header, device c.BlockDevice) error {
	if device.BytesPerBlock() != uint(header.BlockSize) ||
		device.TotalBlocks() != uint(header.TotalBlocks) {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"device is %d blocks of %d bytes, snapshot needs %d blocks of %d bytes",
				device.TotalBlocks(),
				device.BytesPerBlock(),
				header.TotalBlocks,
				header.BlockSize))
	}

	gzReader, err := gzip.NewReader(input)
	if err != nil {
		return errors.ErrInvalidArgument.WithMessage("corrupt snapshot").Wrap(err)
	}
	defer gzReader.Close()

	writer := &deviceWriter{
		device: device,
		buffer: make([]byte, header.BlockSize),
	}
	written, err := decodeRLE8(gzReader, writer)
	if err != nil {
		return errors.CastToDriverError(err)
	}
	if written != header.ImageSize() {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"snapshot holds %d bytes, expected %d",
				written,
				header.ImageSize()))
	}
	return nil
}
