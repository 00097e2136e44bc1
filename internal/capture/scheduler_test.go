package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCapturer records capture calls and replays scripted frames.
type fakeCapturer struct {
	mu     sync.Mutex
	calls  []bool // force flag per call
	frames [][]byte
	next   int
}

func (f *fakeCapturer) Width() int  { return 64 }
func (f *fakeCapturer) Height() int { return 64 }
func (f *fakeCapturer) Close()      {}

func (f *fakeCapturer) Capture(force bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, force)
	if f.next < len(f.frames) {
		fr := f.frames[f.next]
		f.next++
		if fr == nil && force {
			// A forced capture always produces a frame.
			return []byte{0}, nil
		}
		return fr, nil
	}
	if force {
		return []byte{0}, nil
	}
	return nil, nil
}

func (f *fakeCapturer) forceCalls() (forced, unforced int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c {
			forced++
		} else {
			unforced++
		}
	}
	return
}

func startScheduler(t *testing.T, cap *fakeCapturer) *Scheduler {
	t.Helper()
	s := NewScheduler(cap, []byte{0xAA}, false)
	go s.Run()
	t.Cleanup(func() {
		s.Stop()
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	})
	return s
}

func TestRequestTriggersForcedCaptureAndPublish(t *testing.T) {
	cap := &fakeCapturer{frames: [][]byte{{1, 2, 3}}}
	s := startScheduler(t, cap)

	ch := s.Frames().Changed()
	s.Request()

	select {
	case <-ch:
		assert.Equal(t, []byte{1, 2, 3}, s.Frames().Get())
	case <-time.After(time.Second):
		t.Fatal("no frame published")
	}

	forced, _ := cap.forceCalls()
	assert.GreaterOrEqual(t, forced, 1)
}

func TestFastRequestsEscalateToPolling(t *testing.T) {
	cap := &fakeCapturer{}
	s := startScheduler(t, cap)

	// Four rapid requests: three inter-arrival gaps under the window.
	for i := 0; i < 4; i++ {
		s.Request()
		time.Sleep(20 * time.Millisecond)
	}

	// In polling mode the scheduler captures with force=false on its own.
	require.Eventually(t, func() bool {
		_, unforced := cap.forceCalls()
		return unforced >= 2
	}, 2*time.Second, 10*time.Millisecond, "scheduler never started polling")
}

func TestUnchangedFrameNotPublished(t *testing.T) {
	cap := &fakeCapturer{}
	s := startScheduler(t, cap)

	// Escalate to polling.
	for i := 0; i < 4; i++ {
		s.Request()
		time.Sleep(20 * time.Millisecond)
	}

	// Let the final request's forced capture land first.
	time.Sleep(100 * time.Millisecond)

	// All un-forced captures return nil; the published frame must remain
	// whatever the last request produced.
	last := s.Frames().Get()
	ch := s.Frames().Changed()
	select {
	case <-ch:
		t.Fatal("nil capture result was published")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, last, s.Frames().Get())
}

func TestStopExitsLoop(t *testing.T) {
	cap := &fakeCapturer{}
	s := NewScheduler(cap, nil, false)
	go s.Run()
	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler ignored shutdown flag")
	}
}
