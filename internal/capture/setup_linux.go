//go:build linux

package capture

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"kmsvnc/internal/tiles"
	"kmsvnc/internal/types"
)

// Source is a started capture backend together with its shared dirty-tile
// bitmap and the first frame it produced.
type Source struct {
	Capturer     types.Capturer
	Dirty        *tiles.Bitmap
	InitialFrame []byte
}

// Setup selects and starts a capture backend.
//
// With a device hint the path is tried as DRM first, then as fbdev. Without
// one, /dev/dri/card* are probed in sorted order, then /dev/fb*. A backend
// counts as working only once it has produced its first frame, so format
// and mmap failures surface here rather than mid-session.
func Setup(device string) (*Source, error) {
	if device != "" {
		src, drmErr := setupDRMPath(device)
		if drmErr == nil {
			return src, nil
		}
		log.Debug().Err(drmErr).Str("device", device).Msg("DRM capture failed, trying fbdev")
		src, fbErr := setupFbdev(device)
		if fbErr == nil {
			return src, nil
		}
		return nil, errors.Errorf("cannot use %s as DRM (%v) or fbdev (%v)", device, drmErr, fbErr)
	}

	card, outputs, err := openFirstCard()
	if err == nil {
		src, err := startDRM(card, outputs)
		if err == nil {
			return src, nil
		}
		log.Debug().Err(err).Msg("DRM auto-detect failed")
	} else {
		log.Debug().Err(err).Msg("no usable DRI card")
	}

	fbPaths, _ := filepath.Glob("/dev/fb*")
	sort.Strings(fbPaths)
	for _, path := range fbPaths {
		src, err := setupFbdev(path)
		if err == nil {
			return src, nil
		}
		log.Debug().Err(err).Str("device", path).Msg("fbdev unusable")
	}

	return nil, errors.New(
		"no usable capture device found; tried all /dev/dri/card* (DRM) and /dev/fb* (fbdev). " +
			"Ensure a display is active and the process has CAP_SYS_ADMIN " +
			"(try: sudo setcap cap_sys_admin+ep " + exePath() + ")")
}

func setupDRMPath(path string) (*Source, error) {
	card, outputs, err := openCardPath(path)
	if err != nil {
		return nil, err
	}
	return startDRM(card, outputs)
}

// startDRM builds a capturer on the first active output and demands an
// initial frame from it.
func startDRM(card *os.File, outputs []output) (*Source, error) {
	cap, err := NewDRM(card, outputs[0])
	if err != nil {
		return nil, err
	}
	first, err := cap.Capture(true)
	if err != nil {
		cap.Close()
		return nil, err
	}
	return &Source{Capturer: cap, Dirty: cap.Dirty(), InitialFrame: first}, nil
}

func setupFbdev(path string) (*Source, error) {
	cap, err := NewFbdev(path)
	if err != nil {
		return nil, err
	}
	first, err := cap.Capture(true)
	if err != nil {
		cap.Close()
		return nil, err
	}
	return &Source{Capturer: cap, Dirty: cap.Dirty(), InitialFrame: first}, nil
}
