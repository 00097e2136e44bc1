//go:build linux

package capture

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DRM ioctl numbers for 64-bit Linux, using the standard encoding:
//   _IO(type, nr)         = (type << 8) | nr
//   _IOW(type, nr, size)  = 0x40000000 | (size << 16) | (type << 8) | nr
//   _IOWR(type, nr, size) = 0xC0000000 | (size << 16) | (type << 8) | nr
const (
	// DRM_IOCTL_DROP_MASTER = _IO('d', 0x1f)
	ioctlDropMaster = 0x641f

	// DRM_IOCTL_GEM_CLOSE = _IOW('d', 0x09, struct drm_gem_close), 8 bytes
	ioctlGemClose = 0x40086409

	// DRM_IOCTL_PRIME_HANDLE_TO_FD = _IOWR('d', 0x2d, struct drm_prime_handle), 12 bytes
	ioctlPrimeHandleToFd = 0xc00c642d

	// DRM_IOCTL_MODE_GETRESOURCES = _IOWR('d', 0xa0, struct drm_mode_card_res), 64 bytes
	ioctlModeGetResources = 0xc04064a0

	// DRM_IOCTL_MODE_GETCRTC = _IOWR('d', 0xa1, struct drm_mode_crtc), 104 bytes
	ioctlModeGetCrtc = 0xc06864a1

	// DRM_IOCTL_MODE_GETENCODER = _IOWR('d', 0xa6, struct drm_mode_get_encoder), 20 bytes
	ioctlModeGetEncoder = 0xc01464a6

	// DRM_IOCTL_MODE_GETCONNECTOR = _IOWR('d', 0xa7, struct drm_mode_get_connector), 80 bytes
	ioctlModeGetConnector = 0xc05064a7

	// DRM_IOCTL_MODE_GETFB = _IOWR('d', 0xad, struct drm_mode_fb_cmd), 28 bytes
	ioctlModeGetFb = 0xc01c64ad

	// DRM_IOCTL_MODE_MAP_DUMB = _IOWR('d', 0xb3, struct drm_mode_map_dumb), 16 bytes
	ioctlModeMapDumb = 0xc01064b3

	// DRM_IOCTL_MODE_GETFB2 = _IOWR('d', 0xce, struct drm_mode_fb_cmd2), 104 bytes
	ioctlModeGetFb2 = 0xc06864ce
)

const (
	connectorStatusConnected = 1

	// DRM_MODE_FB_MODIFIERS: set in drm_mode_fb_cmd2.flags when the
	// modifier fields are valid.
	fbModifiersFlag = 2

	// DRM_FORMAT_MOD_LINEAR
	modifierLinear = 0
)

// drmModeCardRes corresponds to struct drm_mode_card_res.
type drmModeCardRes struct {
	FbIDPtr         uint64
	CrtcIDPtr       uint64
	ConnectorIDPtr  uint64
	EncoderIDPtr    uint64
	CountFbs        uint32
	CountCrtcs      uint32
	CountConnectors uint32
	CountEncoders   uint32
	MinWidth        uint32
	MaxWidth        uint32
	MinHeight       uint32
	MaxHeight       uint32
}

// drmModeGetConnector corresponds to struct drm_mode_get_connector.
type drmModeGetConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MmWidth         uint32
	MmHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

// drmModeGetEncoder corresponds to struct drm_mode_get_encoder.
type drmModeGetEncoder struct {
	EncoderID      uint32
	EncoderType    uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

// drmModeModeinfo corresponds to struct drm_mode_modeinfo.
type drmModeModeinfo struct {
	Clock      uint32
	Hdisplay   uint16
	HsyncStart uint16
	HsyncEnd   uint16
	Htotal     uint16
	Hskew      uint16
	Vdisplay   uint16
	VsyncStart uint16
	VsyncEnd   uint16
	Vtotal     uint16
	Vscan      uint16
	Vrefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

// drmModeCrtc corresponds to struct drm_mode_crtc.
type drmModeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FbID             uint32
	X                uint32
	Y                uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             drmModeModeinfo
}

// drmModeFbCmd corresponds to struct drm_mode_fb_cmd (legacy GET_FB).
type drmModeFbCmd struct {
	FbID   uint32
	Width  uint32
	Height uint32
	Pitch  uint32
	Bpp    uint32
	Depth  uint32
	Handle uint32
}

// drmModeFbCmd2 corresponds to struct drm_mode_fb_cmd2 (GET_FB2).
type drmModeFbCmd2 struct {
	FbID        uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Flags       uint32
	Handles     [4]uint32
	Pitches     [4]uint32
	Offsets     [4]uint32
	Modifier    [4]uint64
}

// drmPrimeHandle corresponds to struct drm_prime_handle.
type drmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
}

// drmModeMapDumb corresponds to struct drm_mode_map_dumb.
type drmModeMapDumb struct {
	Handle uint32
	Pad    uint32
	Offset uint64
}

// drmGemClose corresponds to struct drm_gem_close.
type drmGemClose struct {
	Handle uint32
	Pad    uint32
}

func drmIoctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

func getResources(f *os.File) (connectorIDs []uint32, err error) {
	var res drmModeCardRes
	if err := drmIoctl(f, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, errors.Wrap(err, "MODE_GETRESOURCES (count)")
	}
	if res.CountConnectors == 0 {
		return nil, errors.New("card has no connectors")
	}

	connectorIDs = make([]uint32, res.CountConnectors)
	res2 := drmModeCardRes{
		ConnectorIDPtr:  uint64(uintptr(unsafe.Pointer(&connectorIDs[0]))),
		CountConnectors: res.CountConnectors,
	}
	if err := drmIoctl(f, ioctlModeGetResources, unsafe.Pointer(&res2)); err != nil {
		return nil, errors.Wrap(err, "MODE_GETRESOURCES (fill)")
	}
	if res2.CountConnectors < uint32(len(connectorIDs)) {
		connectorIDs = connectorIDs[:res2.CountConnectors]
	}
	return connectorIDs, nil
}

func getConnector(f *os.File, id uint32) (*drmModeGetConnector, error) {
	conn := drmModeGetConnector{ConnectorID: id}
	if err := drmIoctl(f, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return nil, errors.Wrapf(err, "MODE_GETCONNECTOR %d", id)
	}
	return &conn, nil
}

func getEncoder(f *os.File, id uint32) (*drmModeGetEncoder, error) {
	enc := drmModeGetEncoder{EncoderID: id}
	if err := drmIoctl(f, ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return nil, errors.Wrapf(err, "MODE_GETENCODER %d", id)
	}
	return &enc, nil
}

func getCrtc(f *os.File, id uint32) (*drmModeCrtc, error) {
	crtc := drmModeCrtc{CrtcID: id}
	if err := drmIoctl(f, ioctlModeGetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return nil, errors.Wrapf(err, "MODE_GETCRTC %d", id)
	}
	return &crtc, nil
}

func getFb(f *os.File, id uint32) (*drmModeFbCmd, error) {
	fb := drmModeFbCmd{FbID: id}
	if err := drmIoctl(f, ioctlModeGetFb, unsafe.Pointer(&fb)); err != nil {
		return nil, errors.Wrapf(err, "MODE_GETFB %d", id)
	}
	return &fb, nil
}

func getFb2(f *os.File, id uint32) (*drmModeFbCmd2, error) {
	fb := drmModeFbCmd2{FbID: id}
	if err := drmIoctl(f, ioctlModeGetFb2, unsafe.Pointer(&fb)); err != nil {
		return nil, errors.Wrapf(err, "MODE_GETFB2 %d", id)
	}
	return &fb, nil
}

// primeExport turns a GEM handle into a mmap-able file descriptor.
func primeExport(f *os.File, gem uint32) (*os.File, error) {
	prime := drmPrimeHandle{
		Handle: gem,
		Flags:  unix.O_RDWR | unix.O_CLOEXEC,
	}
	if err := drmIoctl(f, ioctlPrimeHandleToFd, unsafe.Pointer(&prime)); err != nil {
		return nil, errors.Wrapf(err, "PRIME export of handle %d", gem)
	}
	return os.NewFile(uintptr(prime.Fd), "drm-prime"), nil
}

// mapDumbOffset returns the fake mmap offset for a dumb-buffer GEM handle.
func mapDumbOffset(f *os.File, gem uint32) (uint64, error) {
	req := drmModeMapDumb{Handle: gem}
	if err := drmIoctl(f, ioctlModeMapDumb, unsafe.Pointer(&req)); err != nil {
		return 0, errors.Wrapf(err, "MODE_MAP_DUMB of handle %d", gem)
	}
	return req.Offset, nil
}

func gemClose(f *os.File, gem uint32) {
	req := drmGemClose{Handle: gem}
	_ = drmIoctl(f, ioctlGemClose, unsafe.Pointer(&req))
}

func dropMaster(f *os.File) {
	_, _, _ = unix.Syscall(unix.SYS_IOCTL, f.Fd(), ioctlDropMaster, 0)
}
