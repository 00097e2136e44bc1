package input

// Touchscreen maps RFB pointer events onto multitouch contact sequences.
// Bit 0 of the button mask is the touch contact; other buttons have no
// meaning on a touch device.
type Touchscreen struct {
	dev        eventWriter
	trackingID int32
	touching   bool
	lastX      uint16
	lastY      uint16
}

// HandlePointer emits the evdev sequence for one pointer event, tracking
// up/down state across calls.
func (t *Touchscreen) HandlePointer(buttonMask uint8, x, y uint16) error {
	touching := buttonMask&1 != 0

	var err error
	switch {
	case touching && !t.touching:
		t.trackingID = (t.trackingID + 1) % 65536
		err = t.dev.WriteEvents([]rawEvent{
			{evAbs, absMtSlot, 0},
			{evAbs, absMtTrackingID, t.trackingID},
			{evAbs, absMtPositionX, int32(x)},
			{evAbs, absMtPositionY, int32(y)},
			{evKey, btnTouch, 1},
			{evSyn, synReport, 0},
		})
		if err == nil {
			t.touching = true
		}
	case touching && t.touching && (x != t.lastX || y != t.lastY):
		err = t.dev.WriteEvents([]rawEvent{
			{evAbs, absMtSlot, 0},
			{evAbs, absMtPositionX, int32(x)},
			{evAbs, absMtPositionY, int32(y)},
			{evSyn, synReport, 0},
		})
	case !touching && t.touching:
		err = t.dev.WriteEvents([]rawEvent{
			{evAbs, absMtSlot, 0},
			{evAbs, absMtTrackingID, -1},
			{evKey, btnTouch, 0},
			{evSyn, synReport, 0},
		})
		if err == nil {
			t.touching = false
		}
	}

	t.lastX = x
	t.lastY = y
	return err
}

// Close destroys the underlying device.
func (t *Touchscreen) Close() error {
	return t.dev.Close()
}
