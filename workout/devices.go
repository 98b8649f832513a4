package workout

import (
	"context"
	"errors"
	"sync"
)

var ErrCameraUnavailable = errors.New("camera unavailable")

// LeaseCamera tracks the capture stream the client holds for a session. The
// client opens the physical camera named in the session state; the lease is
// the server's record of it.
type LeaseCamera struct {
	mu      sync.Mutex
	denied  bool
	active  int
	history []Facing
}

func NewLeaseCamera() *LeaseCamera {
	return &LeaseCamera{}
}

// SetDenied marks the device camera as refused by the user.
func (c *LeaseCamera) SetDenied(denied bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied = denied
}

func (c *LeaseCamera) Acquire(ctx context.Context, facing Facing) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.denied {
		return nil, ErrCameraUnavailable
	}
	c.active++
	c.history = append(c.history, facing)
	return &lease{camera: c, facing: facing}, nil
}

// Active returns the number of unreleased streams.
func (c *LeaseCamera) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Acquired returns the facings of every stream handed out, in order.
func (c *LeaseCamera) Acquired() []Facing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Facing(nil), c.history...)
}

type lease struct {
	camera *LeaseCamera
	facing Facing
	once   sync.Once
}

func (l *lease) Facing() Facing {
	return l.facing
}

func (l *lease) Release() {
	l.once.Do(func() {
		l.camera.mu.Lock()
		l.camera.active--
		l.camera.mu.Unlock()
	})
}

// ReadingFeed is a PoseDetector whose readings are pushed in from outside,
// typically by the on-device model posting its running total.
type ReadingFeed struct {
	mu        sync.Mutex
	onReading func(count int)
}

func NewReadingFeed() *ReadingFeed {
	return &ReadingFeed{}
}

func (f *ReadingFeed) Start(_ Stream, onReading func(count int)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReading = onReading
	return nil
}

func (f *ReadingFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReading = nil
}

// Push delivers a reading. It reports false when no session is listening.
func (f *ReadingFeed) Push(count int) bool {
	f.mu.Lock()
	onReading := f.onReading
	f.mu.Unlock()

	if onReading == nil {
		return false
	}
	onReading(count)
	return true
}
