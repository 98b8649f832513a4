package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fineme/server/commitment"
	"github.com/fineme/server/dashboard"
	"github.com/fineme/server/models"
	"github.com/fineme/server/onboarding"
	"github.com/fineme/server/schedule"
	"github.com/fineme/server/store"
	"github.com/fineme/server/workout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu          sync.Mutex
	commitments map[string]models.Commitment
	progress    map[string]int
	deposits    []models.StakeDeposit
	saveErr     error
	progressErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		commitments: make(map[string]models.Commitment),
		progress:    make(map[string]int),
	}
}

func (f *fakeStore) SaveCommitment(_ context.Context, c models.Commitment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.commitments[c.UserID] = c
	return nil
}

func (f *fakeStore) UpdateCommitment(_ context.Context, c models.Commitment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.commitments[c.UserID]
	if !ok {
		return store.ErrNotFound
	}
	c.ID, c.CreatedAt = old.ID, old.CreatedAt
	f.commitments[c.UserID] = c
	return nil
}

func (f *fakeStore) CommitmentByUser(_ context.Context, userID string) (models.Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commitments[userID]
	if !ok {
		return models.Commitment{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) AddProgress(_ context.Context, userID, day string, reps int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progressErr != nil {
		return 0, f.progressErr
	}
	f.progress[userID+"/"+day] += reps
	return f.progress[userID+"/"+day], nil
}

func (f *fakeStore) Progress(_ context.Context, userID, day string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress[userID+"/"+day], nil
}

func (f *fakeStore) SaveDeposit(_ context.Context, d models.StakeDeposit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.deposits {
		if f.deposits[i].ID == d.ID {
			f.deposits[i] = d
			return nil
		}
	}
	f.deposits = append(f.deposits, d)
	return nil
}

func (f *fakeStore) Deposits(_ context.Context, userID string) ([]models.StakeDeposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.StakeDeposit
	for i := len(f.deposits) - 1; i >= 0; i-- {
		if f.deposits[i].UserID == userID {
			out = append(out, f.deposits[i])
		}
	}
	return out, nil
}

// fakeEscrow keeps one payment per deposit and, like the provider, refuses
// to refund more from a payment than it holds.
type fakeEscrow struct {
	deltas    []int
	adjustErr error
	// refundErr fails the refund against this payment intent.
	refundErr string
	seq       int
	held      map[string]int
}

func (e *fakeEscrow) payment(userID string, amount int) models.StakeDeposit {
	if e.held == nil {
		e.held = make(map[string]int)
	}
	e.seq++
	pi := fmt.Sprintf("pi_%d", e.seq)
	e.held[pi] = amount
	return models.StakeDeposit{ID: "dep-" + pi, UserID: userID, Amount: amount, PaymentIntentID: pi, ClientSecret: pi + "_secret"}
}

func (e *fakeEscrow) Deposit(_ context.Context, c models.Commitment) (models.StakeDeposit, error) {
	return e.payment(c.UserID, c.StakeAmount), nil
}

func (e *fakeEscrow) Adjust(_ context.Context, held []models.StakeDeposit, userID string, delta int) ([]models.StakeDeposit, error) {
	if e.adjustErr != nil {
		return nil, e.adjustErr
	}
	e.deltas = append(e.deltas, delta)
	if delta > 0 {
		return []models.StakeDeposit{e.payment(userID, delta)}, nil
	}

	var changed []models.StakeDeposit
	left := -delta
	for _, d := range held {
		if left == 0 {
			break
		}
		n := min(d.Amount, left)
		if n == 0 {
			continue
		}
		if d.PaymentIntentID == e.refundErr || n > e.held[d.PaymentIntentID] {
			return changed, fmt.Errorf("refund %d from %s refused", n, d.PaymentIntentID)
		}
		e.held[d.PaymentIntentID] -= n
		d.Amount -= n
		left -= n
		changed = append(changed, d)
	}
	return changed, nil
}

var start = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*Manager, *fakeStore, *fakeEscrow, *schedule.Manual) {
	t.Helper()
	clock := schedule.NewManual(start)
	st := newFakeStore()
	esc := &fakeEscrow{}
	m := NewManager(Options{
		Store:  st,
		Escrow: esc,
		Clock:  clock,
		Timing: DefaultTiming(),
	})
	t.Cleanup(m.Close)
	return m, st, esc, clock
}

func strPtr(s string) *string { return &s }

// onboard walks s to the Success step as userID.
func onboard(t *testing.T, m *Manager, s *Session, userID string) {
	t.Helper()
	f, err := s.Flow()
	require.NoError(t, err)

	charity := models.WWF
	_, err = f.Update(commitment.Patch{Name: strPtr("Alex"), Charity: &charity, ReferralSource: strPtr("Other")})
	require.NoError(t, err)
	_, err = f.Config().SetStake(20)
	require.NoError(t, err)

	for f.Step() != onboarding.Login {
		_, err := f.Next()
		require.NoError(t, err)
	}
	require.NoError(t, m.Login(s, userID))
	for f.Step() != onboarding.Success {
		_, err := f.Next()
		require.NoError(t, err)
	}
}

func TestFinishHandsConfigToDashboard(t *testing.T) {
	m, st, _, clock := newManager(t)
	s := m.Create()
	assert.Equal(t, Onboarding, s.View())

	onboard(t, m, s, "uid-1")
	c, dep, err := m.Finish(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, Dashboard, s.View())
	assert.Equal(t, "uid-1", c.UserID)
	assert.Equal(t, 20, dep.Amount)
	assert.Contains(t, st.commitments, "uid-1")
	require.Len(t, st.deposits, 1)

	_, err = s.Flow()
	assert.True(t, errors.Is(err, ErrWrongView))

	d, err := s.Dashboard()
	require.NoError(t, err)
	assert.Equal(t, "Alex", d.Config().Snapshot().Name)

	clock.Advance(DefaultTiming().TourDelay)
	assert.Equal(t, dashboard.TourControlCenter, d.Tour())
}

func TestFinishFailureStaysOnboarding(t *testing.T) {
	m, st, _, _ := newManager(t)
	s := m.Create()
	onboard(t, m, s, "uid-1")

	st.saveErr = errors.New("db down")
	_, _, err := m.Finish(context.Background(), s)
	assert.Error(t, err)
	assert.Equal(t, Onboarding, s.View())

	st.saveErr = nil
	_, _, err = m.Finish(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, Dashboard, s.View())
}

func TestAuthorize(t *testing.T) {
	m, _, _, _ := newManager(t)
	s := m.Create()

	assert.NoError(t, m.Authorize(s, ""))
	require.NoError(t, m.Login(s, "uid-1"))

	assert.Equal(t, ErrUnauthenticated, m.Authorize(s, ""))
	assert.Equal(t, ErrForbidden, m.Authorize(s, "uid-2"))
	assert.NoError(t, m.Authorize(s, "uid-1"))

	got, ok := m.ForUser("uid-1")
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
}

func TestLoginReplacesPreviousSession(t *testing.T) {
	m, _, _, _ := newManager(t)
	first := m.Create()
	require.NoError(t, m.Login(first, "uid-1"))

	second := m.Create()
	require.NoError(t, m.Login(second, "uid-1"))

	_, err := m.Get(first.ID)
	assert.Equal(t, ErrNotFound, err)
	got, ok := m.ForUser("uid-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestResumeFromStore(t *testing.T) {
	m, st, _, clock := newManager(t)
	st.commitments["uid-7"] = models.Commitment{UserID: "uid-7", Name: "Sam", Reps: 30, StakeAmount: 50, Charity: models.MSF}
	st.progress["uid-7/"+store.DayKey(start)] = 12

	s, err := m.Resume(context.Background(), "uid-7")
	require.NoError(t, err)
	assert.Equal(t, Dashboard, s.View())

	snap := s.Snapshot()
	require.NotNil(t, snap.Dashboard)
	assert.Equal(t, 12, snap.Dashboard.RepsDone)
	assert.Equal(t, 18, snap.Dashboard.Remaining)

	clock.Advance(time.Minute)
	assert.Equal(t, dashboard.TourOff, s.Snapshot().Dashboard.Tour, "returning users do not get the tour")

	again, err := m.Resume(context.Background(), "uid-7")
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)

	_, err = m.Resume(context.Background(), "nobody")
	assert.Equal(t, ErrNotFound, err)
}

func finished(t *testing.T) (*Manager, *Session, *fakeStore, *fakeEscrow, *schedule.Manual) {
	t.Helper()
	m, st, esc, clock := newManager(t)
	s := m.Create()
	onboard(t, m, s, "uid-1")
	_, _, err := m.Finish(context.Background(), s)
	require.NoError(t, err)
	d, err := s.Dashboard()
	require.NoError(t, err)
	d.SkipTour()
	return m, s, st, esc, clock
}

func TestWorkoutRoundTrip(t *testing.T) {
	m, s, st, _, clock := finished(t)

	w, err := m.StartWorkout(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 25, w.TargetReps)
	assert.Equal(t, Workout, s.View())

	_, err = s.Dashboard()
	assert.True(t, errors.Is(err, ErrWrongView))

	clock.Advance(DefaultTiming().PoseDelay)
	require.NoError(t, s.PushReading(10))

	_, err = m.CompleteWorkout(context.Background(), s)
	assert.True(t, errors.Is(err, workout.ErrTargetNotReached))
	assert.Equal(t, Workout, s.View())

	require.NoError(t, s.PushReading(25))
	state, err := m.CompleteWorkout(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, Dashboard, s.View())
	assert.Equal(t, 25, state.RepsDone)
	assert.Equal(t, float64(100), state.Percent)
	assert.Equal(t, 25, st.progress["uid-1/"+store.DayKey(start)])

	// Goal met: the next workout is a full set.
	w, err = m.StartWorkout(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 25, w.TargetReps)

	state, err = m.CloseWorkout(s)
	require.NoError(t, err)
	assert.Equal(t, 25, state.RepsDone)
	assert.Equal(t, 0, clock.Pending())
}

func TestStartWorkoutBlockedDuringTour(t *testing.T) {
	m, _, _, clock := newManager(t)
	s := m.Create()
	onboard(t, m, s, "uid-1")
	_, _, err := m.Finish(context.Background(), s)
	require.NoError(t, err)
	clock.Advance(DefaultTiming().TourDelay)

	_, err = m.StartWorkout(context.Background(), s)
	assert.True(t, errors.Is(err, dashboard.ErrTourActive))
}

func TestPushReadingOutsideWorkout(t *testing.T) {
	_, s, _, _, _ := finished(t)
	assert.Equal(t, ErrWrongView, s.PushReading(3))
}

func TestUpdateSettingsAdjustsStake(t *testing.T) {
	m, s, st, esc, _ := finished(t)

	stake := 50
	change, _, err := m.UpdateSettings(context.Background(), s, commitment.Patch{StakeAmount: &stake})
	require.NoError(t, err)
	assert.Equal(t, 30, change.StakeDelta)
	assert.Equal(t, []int{30}, esc.deltas)
	assert.Equal(t, 50, st.commitments["uid-1"].StakeAmount)

	stake = 0
	change, _, err = m.UpdateSettings(context.Background(), s, commitment.Patch{StakeAmount: &stake})
	require.NoError(t, err)
	assert.Equal(t, -50, change.StakeDelta)
	assert.Equal(t, 0, st.commitments["uid-1"].StakeAmount)
}

func TestUpdateSettingsRefundsAcrossDeposits(t *testing.T) {
	m, s, st, esc, _ := finished(t)

	stake := 50
	_, charge, err := m.UpdateSettings(context.Background(), s, commitment.Patch{StakeAmount: &stake})
	require.NoError(t, err)
	require.NotNil(t, charge)
	assert.Equal(t, 30, charge.Amount)
	assert.Equal(t, "pi_2_secret", charge.ClientSecret)

	stake = 10
	_, charge, err = m.UpdateSettings(context.Background(), s, commitment.Patch{StakeAmount: &stake})
	require.NoError(t, err)
	assert.Nil(t, charge)
	assert.Equal(t, 10, s.Config().Snapshot().StakeAmount)
	assert.Equal(t, 10, st.commitments["uid-1"].StakeAmount)
	assert.Equal(t, 0, esc.held["pi_2"])
	assert.Equal(t, 10, esc.held["pi_1"])

	deps, err := st.Deposits(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.Len(t, deps, 2)
}

func TestUpdateSettingsKeepsPartialRefund(t *testing.T) {
	m, s, st, esc, _ := finished(t)

	stake := 50
	_, _, err := m.UpdateSettings(context.Background(), s, commitment.Patch{StakeAmount: &stake})
	require.NoError(t, err)

	// The increase is refunded, the original payment refuses.
	esc.refundErr = "pi_1"
	stake = 10
	_, _, err = m.UpdateSettings(context.Background(), s, commitment.Patch{StakeAmount: &stake})
	require.Error(t, err)

	assert.Equal(t, 20, s.Config().Snapshot().StakeAmount)
	assert.Equal(t, 20, st.commitments["uid-1"].StakeAmount)
}

func TestUpdateSettingsRevertsOnPaymentFailure(t *testing.T) {
	m, s, st, esc, _ := finished(t)
	esc.adjustErr = errors.New("card declined")

	stake, reps := 100, 40
	_, _, err := m.UpdateSettings(context.Background(), s, commitment.Patch{StakeAmount: &stake, Reps: &reps})
	assert.Error(t, err)

	cfg := s.Config().Snapshot()
	assert.Equal(t, 20, cfg.StakeAmount)
	assert.Equal(t, 25, cfg.Reps)
	assert.Equal(t, 20, st.commitments["uid-1"].StakeAmount)
}

func TestCompleteWorkoutKeepsRepsWhenSaveFails(t *testing.T) {
	m, s, st, _, clock := finished(t)
	_, err := m.StartWorkout(context.Background(), s)
	require.NoError(t, err)
	clock.Advance(DefaultTiming().PoseDelay)
	require.NoError(t, s.PushReading(25))

	st.progressErr = errors.New("db down")
	state, err := m.CompleteWorkout(context.Background(), s)
	assert.Error(t, err)
	assert.Equal(t, Dashboard, s.View())
	assert.Equal(t, 25, state.RepsDone)
	assert.Zero(t, st.progress["uid-1/"+store.DayKey(start)])
}

func TestSweepEvictsIdleAnonymousSessions(t *testing.T) {
	m, _, _, clock := newManager(t)
	idle := m.Create()
	owned := m.Create()
	require.NoError(t, m.Login(owned, "uid-1"))
	active := m.Create()

	clock.Advance(DefaultIdleTTL - time.Minute)
	_, err := m.Get(active.ID)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, m.Sweep())
	_, err = m.Get(idle.ID)
	assert.Equal(t, ErrNotFound, err)
	_, err = m.Get(owned.ID)
	assert.NoError(t, err)
	_, err = m.Get(active.ID)
	assert.NoError(t, err)
}

func TestCreateSweepsIdleSessions(t *testing.T) {
	m, _, _, clock := newManager(t)
	idle := m.Create()

	clock.Advance(DefaultIdleTTL)
	m.Create()

	_, err := m.Get(idle.ID)
	assert.Equal(t, ErrNotFound, err)
}

func TestResetDay(t *testing.T) {
	m, s, _, _, _ := finished(t)
	d, err := s.Dashboard()
	require.NoError(t, err)
	d.SetRepsDone(14)

	m.ResetDay("uid-1")
	assert.Equal(t, 0, d.RepsDone())
	m.ResetDay("unknown")
}

func TestCloseTearsDownWorkouts(t *testing.T) {
	m, s, _, _, clock := finished(t)
	_, err := m.StartWorkout(context.Background(), s)
	require.NoError(t, err)
	require.NotZero(t, clock.Pending())

	m.Close()
	assert.Equal(t, 0, clock.Pending())
	_, err = m.Get(s.ID)
	assert.Equal(t, ErrNotFound, err)
}
