package vision

import (
	"bytes"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNV21ToImage_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		width  int
		height int
	}{
		{"too short", make([]byte, 10), 4, 4},
		{"too long", make([]byte, 4*4*3/2+1), 4, 4},
		{"rgb sized", make([]byte, 4*4*3), 4, 4},
		{"zero width", nil, 0, 4},
		{"odd height", make([]byte, 4*3*3/2), 4, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := NV21ToImage(tt.data, tt.width, tt.height)
			assert.Nil(t, img)
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestNV21ToImage_NeutralGray(t *testing.T) {
	const w, h = 8, 6
	// Y=128 with neutral chroma is mid gray.
	data := bytes.Repeat([]byte{128}, w*h*3/2)

	img, err := NV21ToImage(data, w, h)
	require.NoError(t, err)
	assert.Equal(t, w, img.Bounds().Dx())
	assert.Equal(t, h, img.Bounds().Dy())

	c := color.RGBAModel.Convert(img.At(3, 3)).(color.RGBA)
	assert.InDelta(t, 128, int(c.R), 4)
	assert.InDelta(t, 128, int(c.G), 4)
	assert.InDelta(t, 128, int(c.B), 4)
}

func TestNewCascadeDetector_MissingFile(t *testing.T) {
	_, err := NewCascadeDetector(filepath.Join(t.TempDir(), "missing.xml"), 40)
	assert.Error(t, err)
}
