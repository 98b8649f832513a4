// Package workout implements the modal rep-counting session.
//
// A Session holds at most one capture stream at a time. Every path that ends
// the session or switches the camera releases the current stream before a new
// one is acquired.
package workout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fineme/server/schedule"
)

var (
	ErrTargetNotReached = errors.New("target reps not reached")
	ErrClosed           = errors.New("workout session closed")
)

const (
	FeedbackAlign         = "Align your body"
	FeedbackPlank         = "Get into plank position"
	FeedbackGoodForm      = "Good form!"
	FeedbackLower         = "Lower..."
	FeedbackTargetReached = "Target Reached! Hold to finish."
	FeedbackCameraDenied  = "Camera access denied"
	FeedbackNoTracking    = "Tracking unavailable"
)

type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Other returns the opposite camera.
func (f Facing) Other() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Stream is an acquired capture stream.
type Stream interface {
	Facing() Facing
	Release()
}

// Camera hands out capture streams.
type Camera interface {
	Acquire(ctx context.Context, facing Facing) (Stream, error)
}

// PoseDetector counts reps on a stream and reports the running total through
// onReading until Stop returns.
type PoseDetector interface {
	Start(stream Stream, onReading func(count int)) error
	Stop()
}

type Options struct {
	Clock    schedule.Clock
	Camera   Camera
	Detector PoseDetector
	Facing   Facing
	// PoseDelay is how long the detector needs before tracking is ready.
	PoseDelay time.Duration
	// FeedbackDelay is how long "Good form!" stays before "Lower...".
	FeedbackDelay time.Duration
}

// Session is one workout, from opening the camera to Complete or Close.
type Session struct {
	// camMu serializes stream acquisition and release; it is taken before mu.
	camMu sync.Mutex
	mu    sync.Mutex

	clock         schedule.Clock
	camera        Camera
	detector      PoseDetector
	poseDelay     time.Duration
	feedbackDelay time.Duration

	target   int
	count    int
	ready    bool
	feedback string
	facing   Facing

	stream    Stream
	detecting bool
	started   bool
	closed    bool
	epoch     int

	readyTimer    schedule.Timer
	feedbackTimer schedule.Timer
}

// New returns a session counting toward target. Nothing is acquired until
// Start.
func New(target int, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = schedule.Real()
	}
	if opts.Facing == "" {
		opts.Facing = FacingUser
	}
	return &Session{
		clock:         opts.Clock,
		camera:        opts.Camera,
		detector:      opts.Detector,
		poseDelay:     opts.PoseDelay,
		feedbackDelay: opts.FeedbackDelay,
		target:        target,
		feedback:      FeedbackAlign,
		facing:        opts.Facing,
	}
}

// Start opens the camera and begins the readiness countdown. A capture
// failure is reported through the feedback, not as an error.
func (s *Session) Start(ctx context.Context) error {
	s.camMu.Lock()
	defer s.camMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.attach(ctx)
	return nil
}

// attach acquires a stream for the current facing. camMu must be held.
func (s *Session) attach(ctx context.Context) {
	s.mu.Lock()
	facing := s.facing
	epoch := s.epoch
	s.mu.Unlock()

	if s.camera == nil {
		s.mu.Lock()
		s.feedback = FeedbackCameraDenied
		s.mu.Unlock()
		return
	}

	stream, err := s.camera.Acquire(ctx, facing)

	s.mu.Lock()
	if err != nil {
		s.feedback = FeedbackCameraDenied
		s.mu.Unlock()
		return
	}
	s.stream = stream
	s.mu.Unlock()

	// Without a detector reps are only simulated, so readiness still follows.
	if s.detector != nil {
		if err := s.detector.Start(stream, s.OnReading); err != nil {
			s.mu.Lock()
			s.feedback = FeedbackNoTracking
			s.mu.Unlock()
			return
		}
	}

	s.mu.Lock()
	s.detecting = s.detector != nil
	s.readyTimer = s.clock.AfterFunc(s.poseDelay, func() { s.markReady(epoch) })
	s.mu.Unlock()
}

// detach drops the stream and detector from state and returns what has to be
// released. mu must be held.
func (s *Session) detachLocked() (Stream, bool) {
	s.epoch++
	s.ready = false
	stopTimer(&s.readyTimer)
	stopTimer(&s.feedbackTimer)

	stream := s.stream
	s.stream = nil
	detecting := s.detecting
	s.detecting = false
	return stream, detecting
}

func (s *Session) release(stream Stream, detecting bool) {
	if detecting {
		s.detector.Stop()
	}
	if stream != nil {
		stream.Release()
	}
}

func stopTimer(t *schedule.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) markReady(epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || epoch != s.epoch {
		return
	}
	s.readyTimer = nil
	s.ready = true
	if s.count < s.target {
		s.feedback = FeedbackPlank
	}
}

// OnReading takes a running total from the detector. The count never goes
// down within a session.
func (s *Session) OnReading(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || count <= s.count {
		return
	}
	s.count = count
	s.repFeedbackLocked()
}

// SimulateRep adds one rep, up to the target. It stands in for the detector
// on devices without tracking.
func (s *Session) SimulateRep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.count >= s.target {
		return
	}
	s.count++
	s.repFeedbackLocked()
}

func (s *Session) repFeedbackLocked() {
	stopTimer(&s.feedbackTimer)
	if s.count >= s.target {
		s.feedback = FeedbackTargetReached
		return
	}

	s.feedback = FeedbackGoodForm
	epoch := s.epoch
	s.feedbackTimer = s.clock.AfterFunc(s.feedbackDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || epoch != s.epoch || s.count >= s.target {
			return
		}
		s.feedbackTimer = nil
		s.feedback = FeedbackLower
	})
}

// ToggleCamera switches between the front and rear camera. The old stream is
// released before the new one is acquired and tracking has to become ready
// again.
func (s *Session) ToggleCamera(ctx context.Context) error {
	s.camMu.Lock()
	defer s.camMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	stream, detecting := s.detachLocked()
	s.facing = s.facing.Other()
	if s.count < s.target {
		s.feedback = FeedbackAlign
	}
	started := s.started
	s.mu.Unlock()

	s.release(stream, detecting)
	if started {
		s.attach(ctx)
	}
	return nil
}

// ReportCaptureError records a failure of the capture device. The stream is
// released and the session stays open so the user can retry by toggling.
func (s *Session) ReportCaptureError() {
	s.camMu.Lock()
	defer s.camMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	stream, detecting := s.detachLocked()
	s.feedback = FeedbackCameraDenied
	s.mu.Unlock()

	s.release(stream, detecting)
}

// CanComplete reports whether the target has been reached.
func (s *Session) CanComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.count >= s.target
}

// Complete ends the session and returns the final count. It succeeds once.
func (s *Session) Complete() (int, error) {
	s.camMu.Lock()
	defer s.camMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.count < s.target {
		count := s.count
		s.mu.Unlock()
		return count, ErrTargetNotReached
	}
	count := s.count
	s.closed = true
	stream, detecting := s.detachLocked()
	s.mu.Unlock()

	s.release(stream, detecting)
	return count, nil
}

// Close abandons the session without a result. It reports whether this call
// closed it.
func (s *Session) Close() bool {
	s.camMu.Lock()
	defer s.camMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	stream, detecting := s.detachLocked()
	s.mu.Unlock()

	s.release(stream, detecting)
	return true
}

// State is a snapshot of the session.
type State struct {
	Count       int    `json:"count"`
	TargetReps  int    `json:"targetReps"`
	Ready       bool   `json:"ready"`
	Feedback    string `json:"feedback"`
	Facing      Facing `json:"facing"`
	CanComplete bool   `json:"canComplete"`
	Closed      bool   `json:"closed"`
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Count:       s.count,
		TargetReps:  s.target,
		Ready:       s.ready,
		Feedback:    s.feedback,
		Facing:      s.facing,
		CanComplete: !s.closed && s.count >= s.target,
		Closed:      s.closed,
	}
}
