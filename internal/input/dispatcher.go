package input

import (
	"github.com/rs/zerolog/log"

	"kmsvnc/internal/types"
)

// Dispatcher serializes input events from all client sessions onto the
// virtual devices. One consumer keeps per-device event ordering intact;
// events from different clients interleave, which is acceptable since
// inputs are not transactional.
type Dispatcher struct {
	touch *Touchscreen
	kb    *Keyboard
}

// NewDispatcher wraps whichever devices came up. Either may be nil:
// input is best-effort and a missing device only disables its half.
func NewDispatcher(touch *Touchscreen, kb *Keyboard) *Dispatcher {
	return &Dispatcher{touch: touch, kb: kb}
}

// Run consumes events until the channel closes. Injection failures are
// logged and never terminate the loop.
func (d *Dispatcher) Run(events <-chan types.InputEvent) {
	for ev := range events {
		switch ev.Kind {
		case types.EventPointer:
			if d.touch == nil {
				continue
			}
			if err := d.touch.HandlePointer(ev.ButtonMask, ev.X, ev.Y); err != nil {
				log.Warn().Err(err).Msg("touch event error")
			}
		case types.EventKey:
			if d.kb == nil {
				continue
			}
			if err := d.kb.HandleKey(ev.Down, ev.Keysym); err != nil {
				log.Warn().Err(err).Msg("key event error")
			}
		}
	}
}

// Close destroys both devices.
func (d *Dispatcher) Close() {
	if d.touch != nil {
		if err := d.touch.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to destroy touch device")
		}
	}
	if d.kb != nil {
		if err := d.kb.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to destroy keyboard device")
		}
	}
}
