package testing

import (
	"crypto/rand"
	"testing"

	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// CreateRandomImage creates an image with the given number of blocks and bytes
// per block. It is guaranteed to either return a valid slice or fail the test
// and abort.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// NewMemoryDevice creates a block device backed by an in-memory buffer.
//
//   - Writes to the device modify `backingData` in place, so tests can inspect
//     the raw image afterwards.
//   - If `backingData` is nil, a zeroed buffer of `bytesPerBlock * totalBlocks`
//     bytes is created.
//   - The size of the device is fixed. Attempting to access blocks past the end
//     will fail.
func NewMemoryDevice(
	bytesPerBlock, totalBlocks uint, backingData []byte, t *testing.T,
) *c.StreamDevice {
	if backingData == nil {
		backingData = make([]byte, bytesPerBlock*totalBlocks)
	}
	require.Equal(
		t,
		bytesPerBlock*totalBlocks,
		uint(len(backingData)),
		"backing data is the wrong size",
	)

	stream := bytesextra.NewReadWriteSeeker(backingData)
	return c.NewStreamDevice(stream, bytesPerBlock, totalBlocks)
}
