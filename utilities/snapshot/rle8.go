package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

const maxRunLength = 257

// byteRun is a byte value and the number of times it occurs in a row. Length
// is always at least 1.
type byteRun struct {
	value  byte
	length int
}

// nextRun reads the next run of identical bytes from `source`. It returns
// io.EOF only when no bytes are left.
func nextRun(source *bufio.Reader) (byteRun, error) {
	first, err := source.ReadByte()
	if err != nil {
		return byteRun{}, err
	}

	run := byteRun{value: first, length: 1}
	for {
		current, err := source.ReadByte()
		if err == io.EOF {
			return run, nil
		} else if err != nil {
			return byteRun{}, err
		}
		if current != first {
			source.UnreadByte()
			return run, nil
		}
		run.length++
	}
}

// encodeRLE8 compresses everything from `input` into `output`.
func encodeRLE8(input io.Reader, output io.Writer) error {
	source := bufio.NewReader(input)
	sink := bufio.NewWriter(output)

	for {
		run, err := nextRun(source)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}

		for run.length >= 2 {
			chunk := min(run.length, maxRunLength)
			sink.Write([]byte{run.value, run.value, byte(chunk - 2)})
			run.length -= chunk
		}
		if run.length == 1 {
			sink.WriteByte(run.value)
		}
	}
	return sink.Flush()
}

// decodeRLE8 expands RLE8 data from `input` into `output`. It returns the
// number of bytes written.
func decodeRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	sink := bufio.NewWriter(output)
	total := int64(0)

	// -1 when the next byte can't be the second of a pair.
	previous := -1
	for {
		current, err := source.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return total, err
		}

		if int(current) != previous {
			previous = int(current)
			sink.WriteByte(current)
			total++
			continue
		}

		extra, err := source.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf(
					"%w: missing repeat count after two 0x%02x bytes",
					io.ErrUnexpectedEOF,
					current)
			}
			return total, err
		}

		// The first byte of the pair was already written.
		sink.Write(bytes.Repeat([]byte{current}, int(extra)+1))
		total += int64(extra) + 1
		previous = -1
	}
	return total, sink.Flush()
}
