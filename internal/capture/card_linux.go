//go:build linux

package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// output is one active connector -> encoder -> CRTC chain with a scanned-out
// framebuffer.
type output struct {
	name   string
	crtcID uint32
	fbID   uint32
	width  int
	height int
}

var connectorTypeNames = map[uint32]string{
	0:  "Unknown",
	1:  "VGA",
	2:  "DVI-I",
	3:  "DVI-D",
	4:  "DVI-A",
	5:  "Composite",
	6:  "SVIDEO",
	7:  "LVDS",
	8:  "Component",
	9:  "DIN",
	10: "DP",
	11: "HDMI-A",
	12: "HDMI-B",
	13: "TV",
	14: "eDP",
	15: "Virtual",
	16: "DSI",
	17: "DPI",
	18: "Writeback",
	19: "SPI",
	20: "USB",
}

func connectorName(typ, typeID uint32) string {
	name, ok := connectorTypeNames[typ]
	if !ok {
		name = fmt.Sprintf("Connector%d", typ)
	}
	return fmt.Sprintf("%s-%d", name, typeID)
}

// openCardPath opens a specific DRI card and probes its active outputs.
func openCardPath(path string) (*os.File, []output, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	// Release DRM master so compositors (e.g. EGLFS) can still acquire it;
	// reading framebuffers does not need master privileges.
	dropMaster(f)

	outputs, err := probeOutputs(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if len(outputs) == 0 {
		f.Close()
		return nil, nil, fmt.Errorf("%s: no active outputs", path)
	}
	log.Info().Str("card", path).Int("outputs", len(outputs)).Msg("KMS device selected")
	return f, outputs, nil
}

// openFirstCard walks /dev/dri/card* in sorted order and returns the first
// card with at least one active output.
func openFirstCard() (*os.File, []output, error) {
	paths, err := filepath.Glob("/dev/dri/card*")
	if err != nil || len(paths) == 0 {
		return nil, nil, errors.New("no /dev/dri/card* devices")
	}
	sort.Strings(paths)

	for _, path := range paths {
		f, outputs, err := openCardPath(path)
		if err != nil {
			log.Debug().Err(err).Str("card", path).Msg("card unusable")
			continue
		}
		return f, outputs, nil
	}
	return nil, nil, errors.Errorf("no DRI card with active outputs (tried %d)", len(paths))
}

// probeOutputs enumerates connected connectors whose encoder maps to a CRTC
// with a current mode and framebuffer.
func probeOutputs(f *os.File) ([]output, error) {
	connectorIDs, err := getResources(f)
	if err != nil {
		return nil, err
	}

	var outputs []output
	for _, connID := range connectorIDs {
		conn, err := getConnector(f, connID)
		if err != nil {
			log.Debug().Err(err).Uint32("connector", connID).Msg("connector query failed")
			continue
		}
		if conn.Connection != connectorStatusConnected || conn.EncoderID == 0 {
			continue
		}
		enc, err := getEncoder(f, conn.EncoderID)
		if err != nil || enc.CrtcID == 0 {
			continue
		}
		crtc, err := getCrtc(f, enc.CrtcID)
		if err != nil || crtc.ModeValid == 0 || crtc.FbID == 0 {
			continue
		}
		outputs = append(outputs, output{
			name:   connectorName(conn.ConnectorType, conn.ConnectorTypeID),
			crtcID: enc.CrtcID,
			fbID:   crtc.FbID,
			width:  int(crtc.Mode.Hdisplay),
			height: int(crtc.Mode.Vdisplay),
		})
	}
	return outputs, nil
}
