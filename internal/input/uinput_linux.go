//go:build linux

package input

import (
	"os"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// uinput ioctl numbers ('U' = 0x55).
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	// UI_DEV_SETUP = _IOW('U', 3, struct uinput_setup), 92 bytes
	uiDevSetup = 0x405c5503
	// UI_ABS_SETUP = _IOW('U', 4, struct uinput_abs_setup), 28 bytes
	uiAbsSetup = 0x401c5504
	// UI_SET_*BIT = _IOW('U', nr, int)
	uiSetEvbit   = 0x40045564
	uiSetKeybit  = 0x40045565
	uiSetAbsbit  = 0x40045567
	uiSetPropbit = 0x4004556e
)

const (
	busVirtual = 0x06

	inputPropDirect = 0x05
)

type inputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// uinputSetup corresponds to struct uinput_setup.
type uinputSetup struct {
	ID           inputID
	Name         [80]byte
	FFEffectsMax uint32
}

type inputAbsinfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// uinputAbsSetup corresponds to struct uinput_abs_setup.
type uinputAbsSetup struct {
	Code uint16
	_    uint16
	Info inputAbsinfo
}

// inputEvent corresponds to struct input_event on 64-bit Linux.
// Timestamps are left zero; the kernel stamps events on injection.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// uinputDevice is a created virtual device node.
type uinputDevice struct {
	f *os.File
}

func uiIoctl(f *os.File, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func uiIoctlPtr(f *os.File, req uintptr, arg unsafe.Pointer) error {
	return uiIoctl(f, req, uintptr(arg))
}

func openUinput() (*os.File, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err,
			"cannot open /dev/uinput; ensure the user has permission (try: sudo usermod -aG input $USER)")
	}
	return f, nil
}

// finishCreate names the device, issues UI_DEV_CREATE, and waits out udev
// node creation.
func finishCreate(f *os.File, name string, product uint16) (*uinputDevice, error) {
	setup := uinputSetup{
		ID: inputID{
			Bustype: busVirtual,
			Vendor:  0x1234,
			Product: product,
			Version: 1,
		},
	}
	copy(setup.Name[:], name)
	if err := uiIoctlPtr(f, uiDevSetup, unsafe.Pointer(&setup)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "UI_DEV_SETUP")
	}
	if err := uiIoctl(f, uiDevCreate, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "UI_DEV_CREATE")
	}

	// Give udev time to create the device node before events flow.
	time.Sleep(100 * time.Millisecond)
	return &uinputDevice{f: f}, nil
}

func (d *uinputDevice) WriteEvents(evs []rawEvent) error {
	buf := make([]inputEvent, len(evs))
	for i, ev := range evs {
		buf[i] = inputEvent{Type: ev.Type, Code: ev.Code, Value: ev.Value}
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), len(buf)*int(unsafe.Sizeof(inputEvent{})))
	_, err := d.f.Write(raw)
	return err
}

func (d *uinputDevice) Close() error {
	err := uiIoctl(d.f, uiDevDestroy, 0)
	d.f.Close()
	return err
}

// NewTouchscreen creates a 10-slot multitouch device spanning the display.
func NewTouchscreen(width, height int) (*Touchscreen, error) {
	f, err := openUinput()
	if err != nil {
		return nil, err
	}

	for _, ev := range []uintptr{uintptr(evAbs), uintptr(evKey)} {
		if err := uiIoctl(f, uiSetEvbit, ev); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "UI_SET_EVBIT")
		}
	}
	if err := uiIoctl(f, uiSetKeybit, uintptr(btnTouch)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "UI_SET_KEYBIT BTN_TOUCH")
	}
	for _, axis := range []uint16{absMtSlot, absMtTrackingID, absMtPositionX, absMtPositionY} {
		if err := uiIoctl(f, uiSetAbsbit, uintptr(axis)); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "UI_SET_ABSBIT")
		}
	}
	if err := uiIoctl(f, uiSetPropbit, inputPropDirect); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "UI_SET_PROPBIT INPUT_PROP_DIRECT")
	}

	axes := []uinputAbsSetup{
		{Code: absMtSlot, Info: inputAbsinfo{Maximum: 9}},
		{Code: absMtTrackingID, Info: inputAbsinfo{Maximum: 65535}},
		{Code: absMtPositionX, Info: inputAbsinfo{Maximum: int32(width) - 1}},
		{Code: absMtPositionY, Info: inputAbsinfo{Maximum: int32(height) - 1}},
	}
	for i := range axes {
		if err := uiIoctlPtr(f, uiAbsSetup, unsafe.Pointer(&axes[i])); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "UI_ABS_SETUP")
		}
	}

	dev, err := finishCreate(f, "kmsvnc-touch", 0x5678)
	if err != nil {
		return nil, errors.Wrap(err, "create uinput touch device")
	}
	log.Info().Int("width", width).Int("height", height).Msg("created virtual touchscreen")
	return &Touchscreen{dev: dev}, nil
}

// NewKeyboard creates a virtual keyboard advertising the keysym table's
// key set.
func NewKeyboard() (*Keyboard, error) {
	f, err := openUinput()
	if err != nil {
		return nil, err
	}

	if err := uiIoctl(f, uiSetEvbit, uintptr(evKey)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "UI_SET_EVBIT")
	}
	for _, code := range keyboardKeycodes() {
		if err := uiIoctl(f, uiSetKeybit, uintptr(code)); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "UI_SET_KEYBIT")
		}
	}

	dev, err := finishCreate(f, "kmsvnc-keyboard", 0x5679)
	if err != nil {
		return nil, errors.Wrap(err, "create uinput keyboard device")
	}
	log.Info().Msg("created virtual keyboard")
	return &Keyboard{dev: dev}, nil
}
