package input

import "github.com/rs/zerolog/log"

// Keyboard maps RFB key events onto a virtual keyboard device.
type Keyboard struct {
	dev eventWriter
}

// HandleKey emits a key press or release. Keysyms without a mapping are
// silently ignored.
func (k *Keyboard) HandleKey(down bool, keysym uint32) error {
	code, ok := keysymToKeycode[keysym]
	if !ok {
		log.Debug().Uint32("keysym", keysym).Msg("unknown keysym")
		return nil
	}
	value := int32(0)
	if down {
		value = 1
	}
	return k.dev.WriteEvents([]rawEvent{
		{evKey, code, value},
		{evSyn, synReport, 0},
	})
}

// Close destroys the underlying device.
func (k *Keyboard) Close() error {
	return k.dev.Close()
}
