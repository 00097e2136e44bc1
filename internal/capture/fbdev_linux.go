//go:build linux

package capture

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"kmsvnc/internal/pixconv"
	"kmsvnc/internal/tiles"
)

const (
	fbioGetVscreeninfo = 0x4600
	fbioGetFscreeninfo = 0x4602
)

type fbBitfield struct {
	Offset   uint32
	Length   uint32
	MsbRight uint32
}

// fbVarScreeninfo corresponds to the kernel's struct fb_var_screeninfo.
type fbVarScreeninfo struct {
	Xres         uint32
	Yres         uint32
	XresVirtual  uint32
	YresVirtual  uint32
	Xoffset      uint32
	Yoffset      uint32
	BitsPerPixel uint32
	Grayscale    uint32
	Red          fbBitfield
	Green        fbBitfield
	Blue         fbBitfield
	Transp       fbBitfield
	Nonstd       uint32
	Activate     uint32
	Height       uint32
	Width        uint32
	AccelFlags   uint32
	Pixclock     uint32
	LeftMargin   uint32
	RightMargin  uint32
	UpperMargin  uint32
	LowerMargin  uint32
	HsyncLen     uint32
	VsyncLen     uint32
	Sync         uint32
	Vmode        uint32
	Rotate       uint32
	Colorspace   uint32
	Reserved     [4]uint32
}

// fbFixScreeninfo corresponds to the kernel's struct fb_fix_screeninfo.
type fbFixScreeninfo struct {
	ID           [16]byte
	SmemStart    uint64
	SmemLen      uint32
	Type         uint32
	TypeAux      uint32
	Visual       uint32
	Xpanstep     uint16
	Ypanstep     uint16
	Ywrapstep    uint16
	_            uint16
	LineLength   uint32
	MmioStart    uint64
	MmioLen      uint32
	Accel        uint32
	Capabilities uint16
	Reserved     [2]uint16
}

// Fbdev captures from a legacy /dev/fb* framebuffer. The whole device is
// mapped once; each capture derives the visible frame start from the pan
// offsets read when the device was opened.
type Fbdev struct {
	file    *os.File
	width   int
	height  int
	stride  int
	xoffset int
	yoffset int
	format  pixconv.Format
	mm      []byte
	dirty   *tiles.Bitmap
	prev    []byte
}

// NewFbdev opens an fbdev node and maps its memory.
func NewFbdev(path string) (*Fbdev, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	var vinfo fbVarScreeninfo
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), fbioGetVscreeninfo,
		uintptr(unsafe.Pointer(&vinfo))); errno != 0 {
		f.Close()
		return nil, errors.Wrap(errno, "FBIOGET_VSCREENINFO")
	}
	var finfo fbFixScreeninfo
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), fbioGetFscreeninfo,
		uintptr(unsafe.Pointer(&finfo))); errno != 0 {
		f.Close()
		return nil, errors.Wrap(errno, "FBIOGET_FSCREENINFO")
	}

	format, err := fbdevFormat(vinfo.BitsPerPixel,
		vinfo.Red.Offset, vinfo.Green.Offset, vinfo.Blue.Offset, vinfo.Transp.Length)
	if err != nil {
		f.Close()
		return nil, err
	}

	width := int(vinfo.Xres)
	height := int(vinfo.Yres)
	dirty, err := tiles.New(width, height)
	if err != nil {
		f.Close()
		return nil, err
	}

	mm, err := unix.Mmap(int(f.Fd()), 0, int(finfo.SmemLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "fbdev mmap")
	}

	log.Info().
		Str("device", path).
		Int("width", width).
		Int("height", height).
		Str("format", format.String()).
		Uint32("stride", finfo.LineLength).
		Msg("capturing fbdev device")

	return &Fbdev{
		file:    f,
		width:   width,
		height:  height,
		stride:  int(finfo.LineLength),
		xoffset: int(vinfo.Xoffset),
		yoffset: int(vinfo.Yoffset),
		format:  format,
		mm:      mm,
		dirty:   dirty,
		prev:    make([]byte, width*height*4),
	}, nil
}

func (c *Fbdev) Width() int           { return c.width }
func (c *Fbdev) Height() int          { return c.height }
func (c *Fbdev) Dirty() *tiles.Bitmap { return c.dirty }

func (c *Fbdev) Capture(force bool) ([]byte, error) {
	start := c.yoffset*c.stride + c.xoffset*c.format.BytesPerPixel()
	need := c.height * c.stride
	if start+need > len(c.mm) {
		return nil, errors.Errorf("fbdev mmap too small: need %d bytes at offset %d, have %d",
			need, start, len(c.mm))
	}
	src := c.mm[start : start+need]

	if c.format.DirectCopy() {
		changed := pixconv.CopyRowsIncremental(c.prev, src, c.width, c.height, c.stride, c.dirty)
		if !changed && !force {
			return nil, nil
		}
		out := make([]byte, len(c.prev))
		copy(out, c.prev)
		return out, nil
	}

	out := make([]byte, c.width*c.height*4)
	if err := pixconv.ConvertInto(out, src, c.width, c.height, c.stride, c.format); err != nil {
		return nil, err
	}
	c.dirty.SetAll()
	return out, nil
}

func (c *Fbdev) Close() {
	_ = unix.Munmap(c.mm)
	c.file.Close()
}
