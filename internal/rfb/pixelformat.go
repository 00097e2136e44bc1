package rfb

import "encoding/binary"

// serverPixelFormat is the 16-byte wire record for the server's native
// format: 32bpp, depth 24, little-endian, true-colour, blue at bits 0-7,
// green at 8-15, red at 16-23. This matches BGRA byte order in memory.
var serverPixelFormat = [16]byte{
	32,     // bits-per-pixel
	24,     // depth
	0,      // big-endian-flag
	1,      // true-colour-flag
	0, 255, // red-max
	0, 255, // green-max
	0, 255, // blue-max
	16, // red-shift
	8,  // green-shift
	0,  // blue-shift
	0, 0, 0,
}

// pixelFormat is the client-negotiated pixel format. It is late-bound and
// may change mid-session; the writer reads it per update from a watched
// slot so the reader never blocks on it.
type pixelFormat struct {
	bpp        uint8
	bigEndian  bool
	redMax     uint16
	greenMax   uint16
	blueMax    uint16
	redShift   uint8
	greenShift uint8
	blueShift  uint8
}

func defaultPixelFormat() pixelFormat {
	return pixelFormat{
		bpp:      32,
		redMax:   255,
		greenMax: 255,
		blueMax:  255,
		redShift: 16, greenShift: 8, blueShift: 0,
	}
}

// parsePixelFormat decodes the 16-byte SetPixelFormat payload. Depth and
// the true-colour flag are ignored; true colour is assumed.
func parsePixelFormat(buf []byte) pixelFormat {
	return pixelFormat{
		bpp:        buf[0],
		bigEndian:  buf[2] != 0,
		redMax:     binary.BigEndian.Uint16(buf[4:6]),
		greenMax:   binary.BigEndian.Uint16(buf[6:8]),
		blueMax:    binary.BigEndian.Uint16(buf[8:10]),
		redShift:   buf[10],
		greenShift: buf[11],
		blueShift:  buf[12],
	}
}

// isServerDefault reports whether frame bytes can go to the wire untouched.
func (pf pixelFormat) isServerDefault() bool {
	return pf.bpp == 32 &&
		!pf.bigEndian &&
		pf.redMax == 255 && pf.greenMax == 255 && pf.blueMax == 255 &&
		pf.redShift == 16 && pf.greenShift == 8 && pf.blueShift == 0
}

// convertRow translates one row of BGRA bytes into the client's format,
// reusing out to avoid per-row allocation. Channels are scaled as
// source*max/255, packed by the client's shifts, and serialized in the
// client's endianness at bpp/8 bytes per pixel.
func (pf pixelFormat) convertRow(bgra []byte, out []byte) []byte {
	bytesPP := int(pf.bpp / 8)
	pixels := len(bgra) / 4
	out = out[:0]

	for i := 0; i < pixels; i++ {
		b := uint32(bgra[i*4])
		g := uint32(bgra[i*4+1])
		r := uint32(bgra[i*4+2])

		if pf.redMax != 255 {
			r = r * uint32(pf.redMax) / 255
		}
		if pf.greenMax != 255 {
			g = g * uint32(pf.greenMax) / 255
		}
		if pf.blueMax != 255 {
			b = b * uint32(pf.blueMax) / 255
		}

		pixel := r<<pf.redShift | g<<pf.greenShift | b<<pf.blueShift

		switch bytesPP {
		case 4:
			var p [4]byte
			if pf.bigEndian {
				binary.BigEndian.PutUint32(p[:], pixel)
			} else {
				binary.LittleEndian.PutUint32(p[:], pixel)
			}
			out = append(out, p[:]...)
		case 2:
			var p [2]byte
			if pf.bigEndian {
				binary.BigEndian.PutUint16(p[:], uint16(pixel))
			} else {
				binary.LittleEndian.PutUint16(p[:], uint16(pixel))
			}
			out = append(out, p[:]...)
		default:
			out = append(out, byte(pixel))
		}
	}
	return out
}
