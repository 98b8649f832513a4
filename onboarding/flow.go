// Package onboarding drives the commitment setup steps.
package onboarding

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fineme/server/commitment"
	"github.com/fineme/server/models"
)

var (
	ErrBlocked      = errors.New("step requirements not met")
	ErrFinished     = errors.New("onboarding already finished")
	ErrNotAtSuccess = errors.New("onboarding can only finish from the success step")
)

type Step int

const (
	Welcome Step = iota
	Name
	Comparison
	Goal
	Stake
	Charity
	Referral
	Login
	Permissions
	Success
)

var stepNames = [...]string{
	Welcome:     "WELCOME",
	Name:        "NAME",
	Comparison:  "COMPARISON",
	Goal:        "GOAL",
	Stake:       "STAKE",
	Charity:     "CHARITY",
	Referral:    "REFERRAL",
	Login:       "LOGIN",
	Permissions: "PERMISSIONS",
	Success:     "SUCCESS",
}

func (s Step) String() string {
	if s < Welcome || s > Success {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(b []byte) error {
	name := strings.ToUpper(string(b))
	for i, n := range stepNames {
		if n == name {
			*s = Step(i)
			return nil
		}
	}
	return fmt.Errorf("unknown onboarding step %q", string(b))
}

// Flow is the onboarding state machine. It owns the configuration model until
// Finish hands the commitment over.
type Flow struct {
	mu       sync.Mutex
	step     Step
	config   *commitment.Model
	userID   string
	finished bool
}

// New starts a flow at Welcome over config.
func New(config *commitment.Model) *Flow {
	return &Flow{step: Welcome, config: config}
}

// State is a snapshot of the flow.
type State struct {
	Step          Step                  `json:"step"`
	CanNext       bool                  `json:"canNext"`
	Authenticated bool                  `json:"authenticated"`
	Finished      bool                  `json:"finished"`
	Config        commitment.UserConfig `json:"config"`
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State{
		Step:          f.step,
		CanNext:       f.canNextLocked(),
		Authenticated: f.userID != "",
		Finished:      f.finished,
		Config:        f.config.Snapshot(),
	}
}

func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

func (f *Flow) Config() *commitment.Model {
	return f.config
}

// Update merges p into the configuration while the flow is open.
func (f *Flow) Update(p commitment.Patch) (commitment.UserConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return f.config.Snapshot(), ErrFinished
	}
	return f.config.Update(p)
}

// Authenticate records the account created on the login step.
func (f *Flow) Authenticate(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return ErrFinished
	}
	f.userID = userID
	return nil
}

func (f *Flow) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}

// CanNext reports whether Next would fire from the current step.
func (f *Flow) CanNext() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canNextLocked()
}

func (f *Flow) canNextLocked() bool {
	if f.finished {
		return false
	}

	cfg := f.config.Snapshot()
	switch f.step {
	case Name:
		return cfg.NameReady()
	case Charity:
		return cfg.Charity.Valid()
	case Referral:
		return cfg.ReferralSource != ""
	case Login:
		return f.userID != ""
	case Success:
		return false
	}
	return true
}

// Next advances one step. When the current step's requirement is unmet the
// transition does not fire and ErrBlocked is returned.
func (f *Flow) Next() (Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finished {
		return f.step, ErrFinished
	}
	if !f.canNextLocked() {
		return f.step, ErrBlocked
	}
	f.step++
	return f.step, nil
}

// Back moves one step back. On Welcome it does nothing.
func (f *Flow) Back() (Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finished {
		return f.step, ErrFinished
	}
	if f.step > Welcome {
		f.step--
	}
	return f.step, nil
}

// Finish validates the configuration, passes the commitment to handoff and
// closes the flow. When handoff fails the flow stays open on Success. A closed
// flow cannot be reopened; a returning user starts a new one at Welcome.
func (f *Flow) Finish(now time.Time, handoff func(models.Commitment) error) (models.Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finished {
		return models.Commitment{}, ErrFinished
	}
	if f.step != Success {
		return models.Commitment{}, ErrNotAtSuccess
	}
	if f.userID == "" {
		return models.Commitment{}, fmt.Errorf("%w: no account", ErrBlocked)
	}

	c, err := f.config.Finalize(f.userID, now)
	if err != nil {
		return models.Commitment{}, err
	}
	if handoff != nil {
		if err := handoff(c); err != nil {
			return models.Commitment{}, err
		}
	}
	f.finished = true
	return c, nil
}

func (f *Flow) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}
