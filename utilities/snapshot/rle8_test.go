package snapshot

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeToBytes(t *testing.T, input []byte) []byte {
	output := bytes.Buffer{}
	require.NoError(t, encodeRLE8(bytes.NewReader(input), &output))
	return output.Bytes()
}

func TestEncodeRLE8(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{"Empty", []byte{}, []byte{}},
		{"Single", []byte("W"), []byte("W")},
		{"Pair", []byte("ZZ"), []byte{'Z', 'Z', 0}},
		{
			"Mixed",
			[]byte("WXXXXXXXXXXXXXXXYZZ"),
			[]byte{'W', 'X', 'X', 13, 'Y', 'Z', 'Z', 0},
		},
		{
			"ExactlyMaxRun",
			bytes.Repeat([]byte{0}, 257),
			[]byte{0, 0, 255},
		},
		{
			"SplitRun",
			bytes.Repeat([]byte("X"), 300),
			[]byte{'X', 'X', 255, 'X', 'X', 41},
		},
		{
			"SplitRunWithOneLeft",
			bytes.Repeat([]byte("X"), 258),
			[]byte{'X', 'X', 255, 'X'},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, encodeToBytes(t, test.input))
		})
	}
}

func TestRLE8__RoundTrip(t *testing.T) {
	random := make([]byte, 1000)
	_, err := rand.Read(random)
	require.NoError(t, err)

	inputs := map[string][]byte{
		"Random":      random,
		"Homogeneous": bytes.Repeat([]byte{100}, 9174),
		"Blocks": append(
			bytes.Repeat([]byte{0}, 4096),
			append([]byte("\x3a\x5c\x01\x00"), bytes.Repeat([]byte{0}, 508)...)...),
	}

	for name, input := range inputs {
		input := input
		t.Run(name, func(t *testing.T) {
			encoded := encodeToBytes(t, input)

			output := bytes.Buffer{}
			written, err := decodeRLE8(bytes.NewReader(encoded), &output)
			require.NoError(t, err)
			assert.EqualValues(t, len(input), written)
			assert.Equal(t, input, output.Bytes())
		})
	}
}

func TestDecodeRLE8__Truncated(t *testing.T) {
	output := bytes.Buffer{}
	_, err := decodeRLE8(bytes.NewReader([]byte{'A', 'B', 'B'}), &output)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
