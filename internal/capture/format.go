package capture

import (
	"fmt"

	"kmsvnc/internal/pixconv"
)

// supportedFormat reports whether the converter can handle f. Capturers
// refuse to start on anything else.
func supportedFormat(f pixconv.Format) bool {
	switch f {
	case pixconv.XRGB8888, pixconv.ARGB8888, pixconv.XBGR8888, pixconv.ABGR8888, pixconv.RGB565:
		return true
	}
	return false
}

// legacyFormat infers the pixel format from the bpp/depth pair reported by
// the legacy GET_FB query, which carries no explicit format.
func legacyFormat(bpp, depth uint32) (pixconv.Format, error) {
	switch {
	case bpp == 32 && depth == 24:
		return pixconv.XRGB8888, nil
	case bpp == 32 && depth == 32:
		return pixconv.ARGB8888, nil
	case bpp == 16 && depth == 16:
		return pixconv.RGB565, nil
	}
	return 0, fmt.Errorf("unsupported framebuffer format: %dbpp depth=%d", bpp, depth)
}

// fbdevFormat infers the pixel format from fbdev channel bitfields.
func fbdevFormat(bpp, redOff, greenOff, blueOff, transpLen uint32) (pixconv.Format, error) {
	switch {
	case bpp == 32 && redOff == 16 && greenOff == 8 && blueOff == 0 && transpLen == 0:
		return pixconv.XRGB8888, nil
	case bpp == 32 && redOff == 16 && greenOff == 8 && blueOff == 0 && transpLen == 8:
		return pixconv.ARGB8888, nil
	case bpp == 32 && redOff == 0 && greenOff == 8 && blueOff == 16 && transpLen == 0:
		return pixconv.XBGR8888, nil
	case bpp == 32 && redOff == 0 && greenOff == 8 && blueOff == 16 && transpLen == 8:
		return pixconv.ABGR8888, nil
	case bpp == 16 && redOff == 11 && greenOff == 5 && blueOff == 0:
		return pixconv.RGB565, nil
	}
	return 0, fmt.Errorf(
		"unsupported fbdev pixel format: %dbpp red.offset=%d green.offset=%d blue.offset=%d transp.length=%d",
		bpp, redOff, greenOff, blueOff, transpLen)
}
