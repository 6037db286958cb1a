package tfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dargueta/tinyfs/errors"
	"github.com/noxer/bytewriter"
)

const DirentSize = 256
const MaxNameLength = 248

type rawDirent struct {
	Ino        uint32
	Valid      uint8
	NameLength uint8
	_          uint16
	Name       [MaxNameLength]byte
}

// Dirent binds a name to an inode inside a directory.
type Dirent struct {
	Inumber Inumber
	Name    string
	Valid   bool
}

// ValidateName checks that `name` can be stored in a directory entry.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.ErrInvalidArgument.WithMessage("name can't be empty")
	case name == "." || name == "..":
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q is reserved", name))
	case strings.ContainsRune(name, '/'):
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("name %q can't contain a slash", name))
	case len(name) > MaxNameLength:
		return errors.ErrNameTooLong.WithMessage(
			fmt.Sprintf("names are limited to %d bytes, got %d", MaxNameLength, len(name)))
	}
	return nil
}

// encodeDirent writes `entry` into slot `slot` of a directory block.
func encodeDirent(block []byte, slot uint, entry Dirent) error {
	raw := rawDirent{
		Ino:        uint32(entry.Inumber),
		NameLength: uint8(len(entry.Name)),
	}
	if entry.Valid {
		raw.Valid = 1
	}
	copy(raw.Name[:], entry.Name)

	start := slot * DirentSize
	writer := bytewriter.New(block[start : start+DirentSize])
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return errors.ErrIOFailed.WithMessage("failed to encode directory entry").Wrap(err)
	}
	return nil
}

// decodeDirentBlock decodes every slot in a directory block, valid or not.
func decodeDirentBlock(block []byte) ([]Dirent, error) {
	count := len(block) / DirentSize
	entries := make([]Dirent, count)
	reader := bytes.NewReader(block)

	for i := 0; i < count; i++ {
		raw := rawDirent{}
		err := binary.Read(reader, binary.LittleEndian, &raw)
		if err != nil {
			return nil, errors.ErrIOFailed.WithMessage("failed to decode directory entry").Wrap(err)
		}
		if raw.NameLength > MaxNameLength {
			return nil, errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("directory entry name length %d is too long", raw.NameLength))
		}

		entries[i] = Dirent{
			Inumber: Inumber(raw.Ino),
			Name:    string(raw.Name[:raw.NameLength]),
			Valid:   raw.Valid != 0,
		}
	}
	return entries, nil
}
