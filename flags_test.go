package tinyfs_test

import (
	"os"
	"testing"

	"github.com/dargueta/tinyfs"
	"github.com/stretchr/testify/assert"
)

type modeTest struct {
	Mode     uint32
	FileMode os.FileMode
}

var modeTests = [...]modeTest{
	{Mode: tinyfs.S_IFREG | 0o644, FileMode: 0o644},
	{Mode: tinyfs.S_IFDIR | 0o755, FileMode: os.ModeDir | 0o755},
	{Mode: tinyfs.S_IFREG | tinyfs.S_ISUID | 0o700, FileMode: os.ModeSetuid | 0o700},
	{Mode: tinyfs.S_IFDIR | tinyfs.S_ISVTX | 0o777, FileMode: os.ModeDir | os.ModeSticky | 0o777},
}

func TestModeConversion(t *testing.T) {
	for _, test := range modeTests {
		assert.Equalf(
			t, test.FileMode, tinyfs.ModeToFileMode(test.Mode), "wrong FileMode for %#o", test.Mode)
		assert.Equalf(
			t, test.Mode, tinyfs.FileModeToMode(test.FileMode), "wrong mode for %v", test.FileMode)
	}
}

func TestDefaultPermissions(t *testing.T) {
	assert.EqualValues(t, 0o755, tinyfs.DefaultDirectoryPermissions)
	assert.EqualValues(t, 0o644, tinyfs.DefaultFilePermissions)
}

func TestIOFlags(t *testing.T) {
	readOnly := tinyfs.O_RDONLY
	assert.True(t, readOnly.Read())
	assert.False(t, readOnly.Write())
	assert.False(t, readOnly.RequiresWritePerm())

	writeOnly := tinyfs.O_WRONLY | tinyfs.O_APPEND
	assert.False(t, writeOnly.Read())
	assert.True(t, writeOnly.Write())
	assert.True(t, writeOnly.Append())
	assert.True(t, writeOnly.RequiresWritePerm())

	readWrite := tinyfs.O_RDWR | tinyfs.O_CREATE | tinyfs.O_EXCL | tinyfs.O_TRUNC | tinyfs.O_SYNC
	assert.True(t, readWrite.Read())
	assert.True(t, readWrite.Write())
	assert.True(t, readWrite.Create())
	assert.True(t, readWrite.Exclusive())
	assert.True(t, readWrite.Truncate())
	assert.True(t, readWrite.Synchronous())
	assert.False(t, readWrite.Append())

	assert.Equal(t, os.O_RDWR|os.O_CREATE, int(tinyfs.O_RDWR|tinyfs.O_CREATE))
}
