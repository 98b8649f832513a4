// Package commitment holds the in-progress commitment configuration.
//
// The Model is owned by one controller at a time. Every change is a merge of
// a Patch into the whole record, applied under the model's lock, so callers
// never observe a half-applied update.
package commitment

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fineme/server/models"
	"github.com/google/uuid"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid commitment")

// MinNameLength is the shortest name accepted for the contract.
const MinNameLength = 2

// Limits are the tunable bounds of a commitment.
type Limits struct {
	MinReps     int `yaml:"min_reps"`
	DefaultReps int `yaml:"default_reps"`
	RepStep     int `yaml:"rep_step"`
	MinStake    int `yaml:"min_stake"`
	MaxStake    int `yaml:"max_stake"`
}

// DefaultLimits returns the production bounds.
func DefaultLimits() Limits {
	return Limits{
		MinReps:     20,
		DefaultReps: 25,
		RepStep:     5,
		MinStake:    10,
		MaxStake:    200,
	}
}

// StakePresets are the one-tap stake amounts.
var StakePresets = []int{10, 20, 50, 100}

// ReferralSources are the options offered on the referral step. Any non-empty
// text is accepted.
var ReferralSources = []string{
	"TikTok / Instagram",
	"Friend Recommendation",
	"App Store Search",
	"Podcast / YouTube",
	"Other",
}

type UserConfig struct {
	Name           string           `json:"name"`
	Reps           int              `json:"reps"`
	Charity        models.CharityID `json:"charity"`
	StakeAmount    int              `json:"stakeAmount"`
	StreakMode     bool             `json:"streakMode"`
	ReferralSource string           `json:"referralSource"`
}

// NameReady reports whether the name is long enough for the contract.
func (c UserConfig) NameReady() bool {
	return utf8.RuneCountInString(c.Name) >= MinNameLength
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Name           *string           `json:"name,omitempty"`
	Reps           *int              `json:"reps,omitempty"`
	Charity        *models.CharityID `json:"charity,omitempty"`
	StakeAmount    *int              `json:"stakeAmount,omitempty"`
	StreakMode     *bool             `json:"streakMode,omitempty"`
	ReferralSource *string           `json:"referralSource,omitempty"`
}

// Empty reports whether the patch names no field.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Reps == nil && p.Charity == nil &&
		p.StakeAmount == nil && p.StreakMode == nil && p.ReferralSource == nil
}

func (p Patch) apply(c UserConfig) UserConfig {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Reps != nil {
		c.Reps = *p.Reps
	}
	if p.Charity != nil {
		c.Charity = *p.Charity
	}
	if p.StakeAmount != nil {
		c.StakeAmount = *p.StakeAmount
	}
	if p.StreakMode != nil {
		c.StreakMode = *p.StreakMode
	}
	if p.ReferralSource != nil {
		c.ReferralSource = *p.ReferralSource
	}
	return c
}

// check validates the shape of the patched fields. Stake minimum is not
// checked here, only at Finalize.
func (p Patch) check(l Limits) error {
	if p.Reps != nil && *p.Reps < l.MinReps {
		return fmt.Errorf("%w: reps must be at least %d", ErrInvalid, l.MinReps)
	}
	if p.Reps != nil && l.RepStep > 0 && (*p.Reps-l.MinReps)%l.RepStep != 0 {
		return fmt.Errorf("%w: reps move in steps of %d from %d", ErrInvalid, l.RepStep, l.MinReps)
	}
	if p.StakeAmount != nil && *p.StakeAmount < 0 {
		return fmt.Errorf("%w: stake cannot be negative", ErrInvalid)
	}
	if p.StakeAmount != nil && l.MaxStake > 0 && *p.StakeAmount > l.MaxStake {
		return fmt.Errorf("%w: stake cannot exceed %d", ErrInvalid, l.MaxStake)
	}
	if p.Charity != nil && *p.Charity != "" && !p.Charity.Valid() {
		return fmt.Errorf("%w: unknown charity %q", ErrInvalid, *p.Charity)
	}
	return nil
}

// Model is the single-owner configuration record.
type Model struct {
	limits Limits
	cfg    UserConfig
	mu     sync.Mutex
}

// New returns a model holding the default configuration.
func New(limits Limits) *Model {
	return &Model{
		limits: limits,
		cfg: UserConfig{
			Reps:        limits.DefaultReps,
			StakeAmount: limits.MinStake,
		},
	}
}

// FromCommitment returns a model seeded from a finalized commitment.
func FromCommitment(limits Limits, c models.Commitment) *Model {
	return &Model{
		limits: limits,
		cfg: UserConfig{
			Name:           c.Name,
			Reps:           c.Reps,
			Charity:        c.Charity,
			StakeAmount:    c.StakeAmount,
			StreakMode:     c.StreakMode,
			ReferralSource: c.ReferralSource,
		},
	}
}

func (m *Model) Limits() Limits {
	return m.limits
}

// Snapshot returns a copy of the current record.
func (m *Model) Snapshot() UserConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Update merges p into the record. A rejected patch changes nothing.
func (m *Model) Update(p Patch) (UserConfig, error) {
	if err := p.check(m.limits); err != nil {
		return m.Snapshot(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = p.apply(m.cfg)
	return m.cfg, nil
}

// IncrementReps raises the daily goal by one step. There is no upper bound.
func (m *Model) IncrementReps() UserConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Reps += m.limits.RepStep
	return m.cfg
}

// DecrementReps lowers the daily goal by one step unless that would go below
// the minimum. It reports whether the goal changed.
func (m *Model) DecrementReps() (UserConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Reps-m.limits.RepStep < m.limits.MinReps {
		return m.cfg, false
	}
	m.cfg.Reps -= m.limits.RepStep
	return m.cfg, true
}

// SetStake replaces the stake amount.
func (m *Model) SetStake(amount int) (UserConfig, error) {
	return m.Update(Patch{StakeAmount: &amount})
}

// Validate checks the cross-field rules a finalized commitment must satisfy.
func (m *Model) Validate() error {
	return validate(m.Snapshot(), m.limits)
}

func validate(c UserConfig, l Limits) error {
	switch {
	case !c.NameReady():
		return fmt.Errorf("%w: name must be at least %d characters", ErrInvalid, MinNameLength)
	case c.Reps < l.MinReps:
		return fmt.Errorf("%w: reps must be at least %d", ErrInvalid, l.MinReps)
	case c.StakeAmount < l.MinStake:
		return fmt.Errorf("%w: stake must be at least %d", ErrInvalid, l.MinStake)
	case !c.Charity.Valid():
		return fmt.Errorf("%w: charity is required", ErrInvalid)
	case c.ReferralSource == "":
		return fmt.Errorf("%w: referral source is required", ErrInvalid)
	}
	return nil
}

// Finalize validates the record and returns it as a commitment for userID.
func (m *Model) Finalize(userID string, now time.Time) (models.Commitment, error) {
	c := m.Snapshot()
	if err := validate(c, m.limits); err != nil {
		return models.Commitment{}, err
	}

	return models.Commitment{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           c.Name,
		Reps:           c.Reps,
		StakeAmount:    c.StakeAmount,
		Charity:        c.Charity,
		StreakMode:     c.StreakMode,
		ReferralSource: c.ReferralSource,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
