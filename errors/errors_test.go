package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/dargueta/tinyfs/errors"
	"github.com/stretchr/testify/assert"
)

func TestDriverErrorWithMessage(t *testing.T) {
	newErr := errors.ErrNotFound.WithMessage("asdfqwerty")
	assert.Equal(
		t, "No such file or directory: asdfqwerty", newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, errors.ErrNotFound)
	assert.Equal(t, errors.ENOENT, newErr.Errno())
	assert.NotErrorIs(t, newErr, errors.ErrExists)
}

func TestDriverErrorWithMessage__Chained(t *testing.T) {
	newErr := errors.ErrNoSpaceOnDevice.WithMessage("inode bitmap").WithMessage("mkdir /a")
	assert.Equal(
		t,
		"No space left on device: inode bitmap: mkdir /a",
		newErr.Error(),
		"error message is wrong")
	assert.ErrorIs(t, newErr, errors.ErrNoSpaceOnDevice)
}

func TestDriverErrorWrap(t *testing.T) {
	originalErr := stderrors.New("original error")
	newErr := errors.ErrExists.Wrap(originalErr)
	expectedMessage := "File exists: original error"

	assert.EqualValues(t, expectedMessage, newErr.Error(), "error message is wrong")
	assert.ErrorIs(t, newErr, originalErr, "original error not set as parent")
	assert.ErrorIs(t, newErr, errors.ErrExists, "driver error not set as parent")
}

func TestCastToDriverError(t *testing.T) {
	assert.Nil(t, errors.CastToDriverError(nil))

	original := errors.ErrNotADirectory.WithMessage("/a/b")
	assert.Equal(t, original, errors.CastToDriverError(original))

	plain := fmt.Errorf("short read")
	cast := errors.CastToDriverError(plain)
	assert.ErrorIs(t, cast, errors.ErrIOFailed)
	assert.ErrorIs(t, cast, plain)
	assert.Equal(t, errors.EIO, cast.Errno())
}

func TestStrError__Unknown(t *testing.T) {
	assert.Equal(t, "error 9999 not recognized.", errors.StrError(errors.Errno(9999)))
}

func TestIsErrno(t *testing.T) {
	err := fmt.Errorf("walking path: %w", errors.ErrNotADirectory.WithMessage("/a/b"))
	assert.True(t, errors.IsErrno(err, errors.ENOTDIR))
	assert.False(t, errors.IsErrno(err, errors.ENOENT))
	assert.False(t, errors.IsErrno(stderrors.New("plain"), errors.EIO))
	assert.True(t, errors.Is(err, errors.ErrNotADirectory))
}
