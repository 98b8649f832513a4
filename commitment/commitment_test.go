package commitment

import (
	"errors"
	"testing"
	"time"

	"github.com/fineme/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func charityPtr(c models.CharityID) *models.CharityID { return &c }

func TestNewUsesDefaults(t *testing.T) {
	m := New(DefaultLimits())
	cfg := m.Snapshot()

	assert.Equal(t, 25, cfg.Reps)
	assert.Equal(t, 10, cfg.StakeAmount)
	assert.Equal(t, models.CharityID(""), cfg.Charity)
	assert.Empty(t, cfg.Name)
}

func TestUpdateMergesWithoutRevertingOtherFields(t *testing.T) {
	m := New(DefaultLimits())

	patches := []Patch{
		{Name: strPtr("Sam")},
		{Reps: intPtr(40)},
		{Charity: charityPtr(models.MSF)},
		{StakeAmount: intPtr(75)},
		{ReferralSource: strPtr("Other")},
		{Name: strPtr("Samantha")},
	}
	for _, p := range patches {
		_, err := m.Update(p)
		require.NoError(t, err)
	}

	cfg := m.Snapshot()
	assert.Equal(t, "Samantha", cfg.Name)
	assert.Equal(t, 40, cfg.Reps)
	assert.Equal(t, models.MSF, cfg.Charity)
	assert.Equal(t, 75, cfg.StakeAmount)
	assert.Equal(t, "Other", cfg.ReferralSource)
}

func TestUpdateRejectsBadShapeAtomically(t *testing.T) {
	m := New(DefaultLimits())

	tests := []struct {
		name  string
		patch Patch
	}{
		{"negative stake", Patch{Name: strPtr("Al"), StakeAmount: intPtr(-5)}},
		{"stake above max", Patch{Name: strPtr("Al"), StakeAmount: intPtr(205)}},
		{"reps below minimum", Patch{Name: strPtr("Al"), Reps: intPtr(15)}},
		{"reps off step", Patch{Name: strPtr("Al"), Reps: intPtr(23)}},
		{"unknown charity", Patch{Name: strPtr("Al"), Charity: charityPtr("UNICORNS")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Update(tt.patch)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Empty(t, m.Snapshot().Name)
		})
	}
}

func TestStakeBelowMinimumAllowedWhileEditing(t *testing.T) {
	m := New(DefaultLimits())

	cfg, err := m.SetStake(0)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.StakeAmount)
}

func TestRepsStepping(t *testing.T) {
	m := New(DefaultLimits())

	cfg, changed := m.DecrementReps()
	assert.True(t, changed)
	assert.Equal(t, 20, cfg.Reps)

	cfg, changed = m.DecrementReps()
	assert.False(t, changed)
	assert.Equal(t, 20, cfg.Reps)

	for i := 0; i < 10; i++ {
		cfg = m.IncrementReps()
	}
	assert.Equal(t, 70, cfg.Reps)
}

func TestPresetReplacesStake(t *testing.T) {
	m := New(DefaultLimits())

	_, err := m.SetStake(0)
	require.NoError(t, err)

	cfg, err := m.SetStake(50)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.StakeAmount)
}

func TestFinalize(t *testing.T) {
	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	m := New(DefaultLimits())
	_, err := m.Update(Patch{
		Name:           strPtr("Jo"),
		Charity:        charityPtr(models.WaterOrg),
		ReferralSource: strPtr("Podcast / YouTube"),
		StakeAmount:    intPtr(5),
	})
	require.NoError(t, err)

	_, err = m.Finalize("user-1", now)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "stake")

	_, err = m.SetStake(20)
	require.NoError(t, err)

	c, err := m.Finalize("user-1", now)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "user-1", c.UserID)
	assert.Equal(t, "Jo", c.Name)
	assert.Equal(t, 25, c.Reps)
	assert.Equal(t, 20, c.StakeAmount)
	assert.Equal(t, models.WaterOrg, c.Charity)
	assert.Equal(t, now, c.CreatedAt)
}

func TestFinalizeRequiresEveryField(t *testing.T) {
	m := New(DefaultLimits())

	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")

	_, _ = m.Update(Patch{Name: strPtr("Jo")})
	assert.Contains(t, m.Validate().Error(), "charity")

	_, _ = m.Update(Patch{Charity: charityPtr(models.WWF)})
	assert.Contains(t, m.Validate().Error(), "referral")

	_, _ = m.Update(Patch{ReferralSource: strPtr("Other")})
	assert.NoError(t, m.Validate())
}

func TestFromCommitment(t *testing.T) {
	m := FromCommitment(DefaultLimits(), models.Commitment{
		Name:        "Jo",
		Reps:        30,
		StakeAmount: 50,
		Charity:     models.RedCross,
	})

	cfg := m.Snapshot()
	assert.Equal(t, 30, cfg.Reps)
	assert.Equal(t, 50, cfg.StakeAmount)
	assert.Equal(t, models.RedCross, cfg.Charity)
}
