package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice records every event batch.
type fakeDevice struct {
	batches [][]rawEvent
	err     error
}

func (d *fakeDevice) WriteEvents(evs []rawEvent) error {
	if d.err != nil {
		return d.err
	}
	cp := make([]rawEvent, len(evs))
	copy(cp, evs)
	d.batches = append(d.batches, cp)
	return nil
}

func (d *fakeDevice) Close() error { return nil }

func TestPointerDragSequence(t *testing.T) {
	dev := &fakeDevice{}
	ts := &Touchscreen{dev: dev}

	require.NoError(t, ts.HandlePointer(1, 10, 10))
	require.NoError(t, ts.HandlePointer(1, 20, 20))
	require.NoError(t, ts.HandlePointer(0, 20, 20))

	require.Len(t, dev.batches, 3)

	down := dev.batches[0]
	require.Len(t, down, 6)
	assert.Equal(t, rawEvent{evAbs, absMtSlot, 0}, down[0])
	assert.Equal(t, absMtTrackingID, down[1].Code)
	id := down[1].Value
	assert.Equal(t, rawEvent{evAbs, absMtPositionX, 10}, down[2])
	assert.Equal(t, rawEvent{evAbs, absMtPositionY, 10}, down[3])
	assert.Equal(t, rawEvent{evKey, btnTouch, 1}, down[4])
	assert.Equal(t, rawEvent{evSyn, synReport, 0}, down[5])

	move := dev.batches[1]
	assert.Equal(t, []rawEvent{
		{evAbs, absMtSlot, 0},
		{evAbs, absMtPositionX, 20},
		{evAbs, absMtPositionY, 20},
		{evSyn, synReport, 0},
	}, move)

	up := dev.batches[2]
	assert.Equal(t, []rawEvent{
		{evAbs, absMtSlot, 0},
		{evAbs, absMtTrackingID, -1},
		{evKey, btnTouch, 0},
		{evSyn, synReport, 0},
	}, up)

	// A second tap gets a fresh tracking id.
	require.NoError(t, ts.HandlePointer(1, 5, 5))
	assert.Equal(t, id+1, dev.batches[3][1].Value)
}

func TestPointerStationaryHoldEmitsNothing(t *testing.T) {
	dev := &fakeDevice{}
	ts := &Touchscreen{dev: dev}

	require.NoError(t, ts.HandlePointer(1, 10, 10))
	require.NoError(t, ts.HandlePointer(1, 10, 10)) // held, not moved
	assert.Len(t, dev.batches, 1)

	// Hover with no contact emits nothing either.
	require.NoError(t, ts.HandlePointer(0, 10, 10))
	require.NoError(t, ts.HandlePointer(0, 30, 30))
	assert.Len(t, dev.batches, 2) // only the touch-up
}

func TestTrackingIDWrapsAt65536(t *testing.T) {
	dev := &fakeDevice{}
	ts := &Touchscreen{dev: dev, trackingID: 65535}

	require.NoError(t, ts.HandlePointer(1, 0, 0))
	assert.Equal(t, int32(0), dev.batches[0][1].Value)
}

func TestKeyboardLookup(t *testing.T) {
	dev := &fakeDevice{}
	kb := &Keyboard{dev: dev}

	// Enter down.
	require.NoError(t, kb.HandleKey(true, 0xff0d))
	require.Len(t, dev.batches, 1)
	assert.Equal(t, []rawEvent{
		{evKey, keyEnter, 1},
		{evSyn, synReport, 0},
	}, dev.batches[0])

	// 'a' and 'A' hit the same key.
	require.NoError(t, kb.HandleKey(true, 'a'))
	require.NoError(t, kb.HandleKey(true, 'A'))
	assert.Equal(t, dev.batches[1][0].Code, dev.batches[2][0].Code)

	// Release value is 0.
	require.NoError(t, kb.HandleKey(false, 'a'))
	assert.Equal(t, int32(0), dev.batches[3][0].Value)

	// Unknown keysyms are ignored without touching the device.
	require.NoError(t, kb.HandleKey(true, 0x10FFFF))
	assert.Len(t, dev.batches, 4)
}

func TestKeyboardKeycodesDeduplicated(t *testing.T) {
	codes := keyboardKeycodes()
	seen := map[uint16]bool{}
	for _, c := range codes {
		assert.False(t, seen[c], "duplicate key code %d", c)
		seen[c] = true
	}
	// 'a' and 'A' collapse, so the code list is shorter than the table.
	assert.Less(t, len(codes), len(keysymToKeycode))
	assert.True(t, seen[keyEnter])
	assert.True(t, seen[keySpace])
}
