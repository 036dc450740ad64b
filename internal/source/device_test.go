//go:build !gocv

package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceInput(t *testing.T) {
	d, err := Parse("2")
	require.NoError(t, err)

	input, args := deviceInput(d, Options{})
	assert.Equal(t, "/dev/video2", input)
	assert.Equal(t, []string{"-f", "v4l2"}, args)

	_, args = deviceInput(d, Options{CaptureSize: "640x480"})
	assert.Equal(t, []string{"-f", "v4l2", "-video_size", "640x480"}, args)
}
