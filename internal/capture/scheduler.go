package capture

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"kmsvnc/internal/types"
	"kmsvnc/internal/watch"
)

// Scheduler timing. The mode machine is driven by request inter-arrival
// times rather than a configured FPS target, so it fits both idle and
// interactive clients without per-client tuning.
const (
	onDemandTimeout = 100 * time.Millisecond
	pollInterval    = 16 * time.Millisecond // ~60fps
	fastReqWindow   = 100 * time.Millisecond
	fastReqSwitch   = 3
	pollIdleRevert  = 500 * time.Millisecond
	statsInterval   = 5 * time.Second
)

// Scheduler owns the capturer and publishes each produced frame to a
// latest-value slot shared by every client writer. Client writers signal
// demand through Request; the scheduler escalates to periodic polling after
// fastReqSwitch consecutive requests each arrive within fastReqWindow of the
// one before.
type Scheduler struct {
	cap      types.Capturer
	frames   *watch.Value[[]byte]
	requests chan struct{}
	shutdown atomic.Bool
	done     chan struct{}
	stats    bool
}

// NewScheduler seeds the frame slot with the backend's first frame.
func NewScheduler(cap types.Capturer, initial []byte, stats bool) *Scheduler {
	return &Scheduler{
		cap:      cap,
		frames:   watch.New(initial),
		requests: make(chan struct{}, 64),
		done:     make(chan struct{}),
		stats:    stats,
	}
}

// Frames is the latest-frame slot. Single producer (the scheduler),
// many consumers, latest wins.
func (s *Scheduler) Frames() *watch.Value[[]byte] { return s.frames }

// Request signals that a client is waiting for an update. Non-blocking:
// a full queue means the scheduler is already busy capturing.
func (s *Scheduler) Request() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Stop makes the loop exit on its next on-demand timeout.
func (s *Scheduler) Stop() {
	s.shutdown.Store(true)
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Run drives the capture loop until shutdown. It blocks in long mmap reads,
// so it belongs on its own dedicated goroutine.
func (s *Scheduler) Run() {
	defer close(s.done)

	polling := false
	var lastRequest time.Time
	fastCount := 0

	var captures, publishes, failures uint64
	lastStats := time.Now()

	timer := time.NewTimer(onDemandTimeout)
	defer timer.Stop()

	for {
		timeout := onDemandTimeout
		if polling {
			timeout = pollInterval
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		select {
		case _, ok := <-s.requests:
			if !ok {
				log.Debug().Msg("capture request channel closed")
				return
			}
			now := time.Now()
			if !lastRequest.IsZero() && now.Sub(lastRequest) < fastReqWindow {
				fastCount++
				if fastCount >= fastReqSwitch && !polling {
					log.Debug().Msg("switching to polling mode")
					polling = true
				}
			} else {
				fastCount = 0
			}
			lastRequest = now

			// Coalesce any queued requests; one capture answers them all.
			for drained := false; !drained; {
				select {
				case <-s.requests:
				default:
					drained = true
				}
			}

			captures++
			published, err := s.capture(true)
			if err != nil {
				failures++
			} else if published {
				publishes++
			}

		case <-timer.C:
			if polling {
				if time.Since(lastRequest) > pollIdleRevert {
					log.Debug().Msg("switching to on-demand mode")
					polling = false
					fastCount = 0
				} else {
					captures++
					published, err := s.capture(false)
					if err != nil {
						failures++
					} else if published {
						publishes++
					}
				}
			} else if s.shutdown.Load() {
				log.Debug().Msg("capture loop shutting down")
				return
			}
		}

		if s.stats && time.Since(lastStats) >= statsInterval {
			log.Info().
				Uint64("captures", captures).
				Uint64("publishes", publishes).
				Uint64("failures", failures).
				Bool("polling", polling).
				Msg("capture stats")
			captures, publishes, failures = 0, 0, 0
			lastStats = time.Now()
		}
	}
}

// capture runs one capture and publishes the frame if a new one came out.
func (s *Scheduler) capture(force bool) (published bool, err error) {
	frame, err := s.cap.Capture(force)
	if err != nil {
		log.Warn().Err(err).Msg("capture failed")
		return false, err
	}
	if frame == nil {
		// Unchanged; the next poll comes soon enough.
		return false, nil
	}
	s.frames.Set(frame)
	return true, nil
}
