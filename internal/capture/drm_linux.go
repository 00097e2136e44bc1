//go:build linux

package capture

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"kmsvnc/internal/pixconv"
	"kmsvnc/internal/tiles"
)

// Path-latch states for the framebuffer-info and mmap ladders. Once a rung
// succeeds it is used for every later frame; retrying a failed rung per
// frame would double the ioctl traffic for nothing.
type queryMode uint8

const (
	queryAuto queryMode = iota
	queryPlanar
	queryLegacy
)

type mapMode uint8

const (
	mapAuto mapMode = iota
	mapPrime
	mapDumb
)

// DRM captures the scanned-out framebuffer of one active output via
// GET_FB2/GET_FB plus PRIME or dumb-buffer mmap.
type DRM struct {
	card   *os.File
	out    output
	dirty  *tiles.Bitmap
	prev   []byte
	cache  fbCache
	fbInfo queryMode
	mmapBy mapMode
}

// NewDRM wraps an opened card and a probed output. Ownership of card
// passes to the capturer.
func NewDRM(card *os.File, out output) (*DRM, error) {
	dirty, err := tiles.New(out.width, out.height)
	if err != nil {
		card.Close()
		return nil, err
	}
	log.Info().
		Str("output", out.name).
		Int("width", out.width).
		Int("height", out.height).
		Msg("capturing DRM output")
	return &DRM{
		card:  card,
		out:   out,
		dirty: dirty,
		prev:  make([]byte, out.width*out.height*4),
	}, nil
}

func (c *DRM) Width() int           { return c.out.width }
func (c *DRM) Height() int          { return c.out.height }
func (c *DRM) Dirty() *tiles.Bitmap { return c.dirty }
func (c *DRM) OutputName() string   { return c.out.name }

// Capture produces one BGRA frame. The framebuffer may change under
// page-flipping, so the CRTC is re-read every time; buffer identity, not
// the CRTC, is what the mmap cache keys on.
func (c *DRM) Capture(force bool) ([]byte, error) {
	crtc, err := getCrtc(c.card, c.out.crtcID)
	if err != nil {
		return nil, err
	}
	fbID := crtc.FbID
	if fbID == 0 {
		fbID = c.out.fbID
	}

	m := c.cache.get(fbID)
	if m == nil {
		m, err = c.mapFramebuffer(fbID)
		if err != nil {
			return nil, err
		}
		c.cache.put(m)
	}

	if m.format.DirectCopy() {
		changed := pixconv.CopyRowsIncremental(c.prev, m.data, c.out.width, c.out.height, m.pitch, c.dirty)
		if !changed && !force {
			return nil, nil
		}
		out := make([]byte, len(c.prev))
		copy(out, c.prev)
		return out, nil
	}

	out := make([]byte, c.out.width*c.out.height*4)
	if err := pixconv.ConvertInto(out, m.data, c.out.width, c.out.height, m.pitch, m.format); err != nil {
		return nil, err
	}
	c.dirty.SetAll()
	return out, nil
}

func (c *DRM) Close() {
	c.cache.clear()
	c.card.Close()
}

// mapFramebuffer queries the framebuffer's layout and maps its GEM buffer.
func (c *DRM) mapFramebuffer(fbID uint32) (*mapping, error) {
	gem, pitch, format, err := c.framebufferInfo(fbID)
	if err != nil {
		return nil, err
	}

	size := c.out.height * pitch
	data, primeFile, err := c.mmapGem(gem, size)
	if err != nil {
		gemClose(c.card, gem)
		return nil, err
	}

	log.Debug().
		Uint32("fb", fbID).
		Str("format", format.String()).
		Int("pitch", pitch).
		Msg("mapped framebuffer")

	card := c.card
	return &mapping{
		fbID:   fbID,
		data:   data,
		pitch:  pitch,
		format: format,
		release: func() {
			_ = unix.Munmap(data)
			if primeFile != nil {
				primeFile.Close()
			}
			gemClose(card, gem)
		},
	}, nil
}

// framebufferInfo prefers GET_FB2 (explicit format and modifier) and falls
// back to GET_FB with bpp/depth inference.
func (c *DRM) framebufferInfo(fbID uint32) (gem uint32, pitch int, format pixconv.Format, err error) {
	if c.fbInfo != queryLegacy {
		fb2, err2 := getFb2(c.card, fbID)
		if err2 == nil {
			if fb2.Flags&fbModifiersFlag != 0 && fb2.Modifier[0] != modifierLinear {
				return 0, 0, 0, errors.Errorf(
					"framebuffer has non-linear modifier 0x%x; tiled buffers cannot be read via mmap",
					fb2.Modifier[0])
			}
			if fb2.Handles[0] == 0 {
				return 0, 0, 0, errors.New("GET_FB2 returned no buffer handle")
			}
			f := pixconv.Format(fb2.PixelFormat)
			if !supportedFormat(f) {
				return 0, 0, 0, errors.Errorf("unsupported pixel format %q", f)
			}
			c.fbInfo = queryPlanar
			return fb2.Handles[0], int(fb2.Pitches[0]), f, nil
		}
		if c.fbInfo == queryPlanar {
			return 0, 0, 0, err2
		}
		log.Debug().Err(err2).Msg("GET_FB2 failed, trying GET_FB")
	}

	fb, err := getFb(c.card, fbID)
	if err != nil {
		return 0, 0, 0, err
	}
	if fb.Handle == 0 {
		return 0, 0, 0, errors.New(
			"GET_FB returned no buffer handle; CAP_SYS_ADMIN is required " +
				"(try: sudo setcap cap_sys_admin+ep " + exePath() + ")")
	}
	f, err := legacyFormat(fb.Bpp, fb.Depth)
	if err != nil {
		gemClose(c.card, fb.Handle)
		return 0, 0, 0, err
	}
	c.fbInfo = queryLegacy
	return fb.Handle, int(fb.Pitch), f, nil
}

// mmapGem maps a GEM handle read-only, via PRIME export or the dumb-buffer
// mmap offset. The returned file (if any) holds the PRIME fd alive for the
// lifetime of the mapping.
func (c *DRM) mmapGem(gem uint32, size int) ([]byte, *os.File, error) {
	if c.mmapBy != mapDumb {
		primeFile, err := primeExport(c.card, gem)
		if err == nil {
			data, merr := unix.Mmap(int(primeFile.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
			if merr == nil {
				c.mmapBy = mapPrime
				return data, primeFile, nil
			}
			primeFile.Close()
			err = errors.Wrap(merr, "PRIME mmap")
		}
		if c.mmapBy == mapPrime {
			return nil, nil, err
		}
		log.Debug().Err(err).Msg("PRIME path failed, trying dumb-buffer mmap")
	}

	offset, err := mapDumbOffset(c.card, gem)
	if err != nil {
		return nil, nil, err
	}
	data, err := unix.Mmap(int(c.card.Fd()), int64(offset), size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dumb buffer mmap")
	}
	c.mmapBy = mapDumb
	return data, nil, nil
}

func exePath() string {
	exe, err := os.Executable()
	if err != nil {
		return "<binary>"
	}
	return exe
}
