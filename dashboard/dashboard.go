// Package dashboard holds the post-onboarding view state: today's progress,
// the selected tab, and the one-time guided tour layered over both.
package dashboard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fineme/server/commitment"
	"github.com/fineme/server/schedule"
)

var (
	// ErrTourActive is returned for input the tour overlay captures.
	ErrTourActive = errors.New("guided tour is active")
	ErrUnknownTab = errors.New("unknown tab")
)

type Tab string

const (
	Home  Tab = "HOME"
	Stats Tab = "STATS"
)

func (t Tab) Valid() bool {
	return t == Home || t == Stats
}

// TourStep is the active guided tour step. TourOff means no overlay.
type TourStep int

const (
	TourOff TourStep = iota
	TourControlCenter
	TourHallOfShame
	TourStartButton
)

// FirstTimeFlag is the signal that the user just finished onboarding.
type FirstTimeFlag interface {
	// Consume reports whether the flag was set and clears it.
	Consume() bool
}

// OnceFlag is a FirstTimeFlag that can be consumed exactly once.
type OnceFlag struct {
	set atomic.Bool
}

func NewOnceFlag(set bool) *OnceFlag {
	f := &OnceFlag{}
	f.set.Store(set)
	return f
}

func (f *OnceFlag) Consume() bool {
	return f.set.CompareAndSwap(true, false)
}

type Options struct {
	Clock schedule.Clock
	// TourDelay is the wait between mounting and showing the first tour step.
	TourDelay time.Duration
}

// Dashboard is the single owned container for dashboard view state.
type Dashboard struct {
	mu       sync.Mutex
	config   *commitment.Model
	clock    schedule.Clock
	delay    time.Duration
	tab      Tab
	repsDone int
	tour     TourStep
	entry    schedule.Timer
	mounted  bool
}

// New returns a dashboard over config, which it now owns.
func New(config *commitment.Model, repsDone int, opts Options) *Dashboard {
	if opts.Clock == nil {
		opts.Clock = schedule.Real()
	}
	return &Dashboard{
		config:   config,
		clock:    opts.Clock,
		delay:    opts.TourDelay,
		tab:      Home,
		repsDone: repsDone,
	}
}

// Mount attaches the dashboard. When first is set it is consumed and the tour
// is scheduled to start after the tour delay. Mounting again does not restart
// the tour because the flag is already consumed.
func (d *Dashboard) Mount(first FirstTimeFlag) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mounted = true
	if first == nil || !first.Consume() {
		return false
	}

	d.cancelEntryLocked()
	d.entry = d.clock.AfterFunc(d.delay, d.startTour)
	return true
}

func (d *Dashboard) startTour() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.mounted || d.entry == nil {
		return
	}
	d.entry = nil
	d.tour = TourControlCenter
}

// Unmount cancels any pending tour start and hides the overlay.
func (d *Dashboard) Unmount() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mounted = false
	d.cancelEntryLocked()
	d.tour = TourOff
}

func (d *Dashboard) cancelEntryLocked() {
	if d.entry != nil {
		d.entry.Stop()
		d.entry = nil
	}
}

// TourNext advances the tour. Step 1 moves to the stats tab, step 2 returns
// home, step 3 ends the tour. With no tour active it does nothing.
func (d *Dashboard) TourNext() TourStep {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.tour {
	case TourControlCenter:
		d.tab = Stats
		d.tour = TourHallOfShame
	case TourHallOfShame:
		d.tab = Home
		d.tour = TourStartButton
	case TourStartButton:
		d.tour = TourOff
	}
	return d.tour
}

// SkipTour ends the tour from any step and cancels a pending start.
func (d *Dashboard) SkipTour() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelEntryLocked()
	d.tour = TourOff
}

func (d *Dashboard) Tour() TourStep {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tour
}

// SelectTab switches tabs. While the tour overlay is up it captures the input
// and the tab does not change.
func (d *Dashboard) SelectTab(t Tab) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTab, t)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tour != TourOff {
		return ErrTourActive
	}
	d.tab = t
	return nil
}

func (d *Dashboard) Tab() Tab {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tab
}

// RecordWorkout adds a completed session's reps to today's progress.
func (d *Dashboard) RecordWorkout(reps int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reps > 0 {
		d.repsDone += reps
	}
	return d.repsDone
}

// SetRepsDone replaces today's progress, as fed by the sync layer.
func (d *Dashboard) SetRepsDone(reps int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.repsDone = reps
}

func (d *Dashboard) RepsDone() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.repsDone
}

func (d *Dashboard) Config() *commitment.Model {
	return d.config
}

// SettingsChange is the outcome of a settings edit. StakeDelta is positive
// when more money must be deposited and negative when some is refunded.
type SettingsChange struct {
	Config     commitment.UserConfig `json:"config"`
	StakeDelta int                   `json:"stakeDelta"`
}

// UpdateSettings edits the live commitment. Name and referral are fixed once
// onboarding is done. The stake may go below the onboarding minimum here.
func (d *Dashboard) UpdateSettings(p commitment.Patch) (SettingsChange, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tour != TourOff {
		return SettingsChange{Config: d.config.Snapshot()}, ErrTourActive
	}

	p.Name = nil
	p.ReferralSource = nil
	before := d.config.Snapshot()
	after, err := d.config.Update(p)
	if err != nil {
		return SettingsChange{Config: before}, err
	}
	return SettingsChange{
		Config:     after,
		StakeDelta: after.StakeAmount - before.StakeAmount,
	}, nil
}

// State is a snapshot of the dashboard.
type State struct {
	Tab        Tab                   `json:"tab"`
	Tour       TourStep              `json:"tourStep"`
	RepsDone   int                   `json:"repsDone"`
	TargetReps int                   `json:"targetReps"`
	Remaining  int                   `json:"remaining"`
	Percent    float64               `json:"percent"`
	Config     commitment.UserConfig `json:"config"`
}

func (d *Dashboard) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := d.config.Snapshot()
	s := State{
		Tab:        d.tab,
		Tour:       d.tour,
		RepsDone:   d.repsDone,
		TargetReps: cfg.Reps,
		Config:     cfg,
	}
	s.Remaining = cfg.Reps - d.repsDone
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	if cfg.Reps > 0 {
		s.Percent = float64(d.repsDone) / float64(cfg.Reps) * 100
		if s.Percent > 100 {
			s.Percent = 100
		}
	}
	return s
}
