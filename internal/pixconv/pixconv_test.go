package pixconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kmsvnc/internal/tiles"
)

func TestFormatString(t *testing.T) {
	assert.Equal(t, "XR24", XRGB8888.String())
	assert.Equal(t, "RG16", RGB565.String())
}

func TestConvertForcesOpaqueAlpha(t *testing.T) {
	formats := []Format{XRGB8888, ARGB8888, XBGR8888, ABGR8888, RGB565}
	for _, f := range formats {
		src := make([]byte, 4*2*f.BytesPerPixel())
		// Deliberately translucent/zero alpha in the source.
		dst := make([]byte, 4*2*4)
		require.NoError(t, ConvertInto(dst, src, 4, 2, 4*f.BytesPerPixel(), f))
		for px := 0; px < 8; px++ {
			assert.Equal(t, byte(0xFF), dst[px*4+3], "format %s pixel %d", f, px)
		}
	}
}

func TestConvertSwapsRedAndBlue(t *testing.T) {
	// One XBGR pixel: memory [R, G, B, X].
	src := []byte{0x11, 0x22, 0x33, 0x00}
	dst := make([]byte, 4)
	require.NoError(t, ConvertInto(dst, src, 1, 1, 4, XBGR8888))
	assert.Equal(t, []byte{0x33, 0x22, 0x11, 0xFF}, dst)
}

func TestConvertRGB565Expansion(t *testing.T) {
	// Pure white: all channel bits set must expand to exactly 0xFF.
	src := []byte{0xFF, 0xFF}
	dst := make([]byte, 4)
	require.NoError(t, ConvertInto(dst, src, 1, 1, 2, RGB565))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, dst)

	// Pure red: 0xF800 little-endian.
	src = []byte{0x00, 0xF8}
	require.NoError(t, ConvertInto(dst, src, 1, 1, 2, RGB565))
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0xFF}, dst)

	// Mid green: 0b100000 in the 6-bit field replicates to 0x82.
	src = []byte{0x00, 0x04} // pixel 0x0400, g=0b100000
	require.NoError(t, ConvertInto(dst, src, 1, 1, 2, RGB565))
	assert.Equal(t, byte(0x82), dst[1])
}

func TestCopyRowsDropsPitchPadding(t *testing.T) {
	// 2x2 XRGB with 4 bytes of row padding.
	pitch := 2*4 + 4
	src := make([]byte, pitch*2)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 2*2*4)
	require.NoError(t, ConvertInto(dst, src, 2, 2, pitch, XRGB8888))
	assert.Equal(t, src[0:3], dst[0:3])
	assert.Equal(t, src[pitch:pitch+3], dst[8:11])
}

func TestIncrementalCopySingleTileDirty(t *testing.T) {
	const w, h = 128, 128
	dirty, err := tiles.New(w, h)
	require.NoError(t, err)

	prev := make([]byte, w*h*4)
	src := make([]byte, w*h*4)
	assert.False(t, CopyRowsIncremental(prev, src, w, h, w*4, dirty))
	assert.Empty(t, dirty.Drain())

	// Change one pixel at (63,63): bottom-right corner of tile (0,0).
	off := (63*w + 63) * 4
	src[off] = 0xAB
	assert.True(t, CopyRowsIncremental(prev, src, w, h, w*4, dirty))

	rects := dirty.Drain()
	require.Len(t, rects, 1)
	assert.Equal(t, tiles.Rect{X: 0, Y: 0, W: 64, H: 64}, rects[0])

	// prev now holds the changed bytes; a re-run reports no change.
	assert.False(t, CopyRowsIncremental(prev, src, w, h, w*4, dirty))
	assert.Empty(t, dirty.Drain())
}

func TestIncrementalCopyRespectsPitch(t *testing.T) {
	const w, h = 65, 4 // second tile column is 1 px wide
	pitch := 80 * 4
	dirty, err := tiles.New(w, h)
	require.NoError(t, err)

	prev := make([]byte, w*h*4)
	src := make([]byte, pitch*h)
	src[2*pitch+64*4] = 0x7F // pixel (64,2), tile (1,0)

	require.True(t, CopyRowsIncremental(prev, src, w, h, pitch, dirty))
	rects := dirty.Drain()

	// Tile (0,0) changed too? No: only pixel (64,2) differs.
	require.Len(t, rects, 1)
	assert.Equal(t, tiles.Rect{X: 64, Y: 0, W: 1, H: 4}, rects[0])
	assert.Equal(t, byte(0x7F), prev[(2*w+64)*4])
}
