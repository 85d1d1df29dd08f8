package utils

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJpeg(t *testing.T) {
	first := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	second := []byte{0xFF, 0xD8, 0x04, 0xFF, 0xD9}

	stream := []byte{0x00, 0x00}
	stream = append(stream, first...)
	stream = append(stream, 0x00)
	stream = append(stream, second...)
	stream = append(stream, 0x00, 0x00)

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)

	require.True(t, scanner.Scan())
	assert.Equal(t, first, scanner.Bytes())
	require.True(t, scanner.Scan())
	assert.Equal(t, second, scanner.Bytes())
	assert.False(t, scanner.Scan(), "trailing garbage is not a frame")
	assert.NoError(t, scanner.Err())
}

func TestSplitJpegIncompleteFrame(t *testing.T) {
	scanner := bufio.NewScanner(bytes.NewReader([]byte{0xFF, 0xD8, 0x01, 0x02}))
	scanner.Split(SplitJpeg)

	assert.False(t, scanner.Scan())
	assert.NoError(t, scanner.Err())
}

func TestDeviceErrorUnwrap(t *testing.T) {
	cause := errors.New("permission denied")
	err := error(&DeviceError{Device: "/dev/video0", Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/dev/video0")

	var de *DeviceError
	assert.True(t, errors.As(err, &de))
}
