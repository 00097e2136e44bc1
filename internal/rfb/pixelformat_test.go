package rfb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePixelFormatRoundTrip(t *testing.T) {
	pf := parsePixelFormat(serverPixelFormat[:])
	assert.True(t, pf.isServerDefault())
	assert.Equal(t, defaultPixelFormat(), pf)
}

func TestIsServerDefaultRejectsVariants(t *testing.T) {
	pf := defaultPixelFormat()
	pf.bigEndian = true
	assert.False(t, pf.isServerDefault())

	pf = defaultPixelFormat()
	pf.redShift = 0
	assert.False(t, pf.isServerDefault())

	pf = defaultPixelFormat()
	pf.bpp = 16
	assert.False(t, pf.isServerDefault())
}

func TestConvertRowServerDefaultIsIdentityOnChannels(t *testing.T) {
	pf := defaultPixelFormat()
	bgra := []byte{0x10, 0x20, 0x30, 0xFF, 0x40, 0x50, 0x60, 0xFF}
	out := pf.convertRow(bgra, nil)
	// Packed LE 32bpp with shifts 16/8/0 reproduces B,G,R in the low three
	// bytes; the top byte is padding and stays zero.
	assert.Equal(t, []byte{0x10, 0x20, 0x30, 0x00, 0x40, 0x50, 0x60, 0x00}, out)
}

func TestConvertRow16bpp565(t *testing.T) {
	pf := pixelFormat{
		bpp:      16,
		redMax:   31,
		greenMax: 63,
		blueMax:  31,
		redShift: 11, greenShift: 5, blueShift: 0,
	}
	// Pure red pixel in BGRA.
	bgra := []byte{0x00, 0x00, 0xFF, 0xFF}
	out := pf.convertRow(bgra, nil)
	assert.Equal(t, []byte{0x00, 0xF8}, out) // 0xF800 little-endian

	pf.bigEndian = true
	out = pf.convertRow(bgra, out)
	assert.Equal(t, []byte{0xF8, 0x00}, out)
}

func TestConvertRowChannelScaling(t *testing.T) {
	pf := pixelFormat{
		bpp:      8,
		redMax:   7,
		greenMax: 7,
		blueMax:  3,
		redShift: 5, greenShift: 2, blueShift: 0,
	}
	// White maps every channel to its max: 0xFF for BGR233.
	bgra := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	out := pf.convertRow(bgra, nil)
	assert.Equal(t, []byte{0xFF}, out)

	// Mid grey 0x80: 128*7/255 = 3 and 128*3/255 = 1.
	bgra = []byte{0x80, 0x80, 0x80, 0xFF}
	out = pf.convertRow(bgra, out)
	assert.Equal(t, []byte{byte(3<<5 | 3<<2 | 1)}, out)
}

func TestConvertRowReusesBuffer(t *testing.T) {
	pf := defaultPixelFormat()
	pf.bigEndian = true // force the conversion path
	bgra := make([]byte, 16)
	buf := pf.convertRow(bgra, nil)
	again := pf.convertRow(bgra, buf)
	assert.Same(t, &buf[0], &again[0])
}
