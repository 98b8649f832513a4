// Package session keeps one live state container per user and moves it from
// onboarding to the dashboard and in and out of workouts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fineme/server/commitment"
	"github.com/fineme/server/dashboard"
	"github.com/fineme/server/escrow"
	"github.com/fineme/server/models"
	"github.com/fineme/server/onboarding"
	"github.com/fineme/server/schedule"
	"github.com/fineme/server/store"
	"github.com/fineme/server/workout"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrWrongView       = errors.New("action not available in the current view")
	ErrForbidden       = errors.New("session belongs to another user")
	ErrUnauthenticated = errors.New("session requires sign in")
	ErrNotTracking     = errors.New("pose tracking is not running")
)

type View string

const (
	Onboarding View = "ONBOARDING"
	Dashboard  View = "DASHBOARD"
	Workout    View = "WORKOUT"
)

// Store is the persistence the registry needs.
type Store interface {
	SaveCommitment(ctx context.Context, c models.Commitment) error
	UpdateCommitment(ctx context.Context, c models.Commitment) error
	CommitmentByUser(ctx context.Context, userID string) (models.Commitment, error)
	AddProgress(ctx context.Context, userID, day string, reps int) (int, error)
	Progress(ctx context.Context, userID, day string) (int, error)
	SaveDeposit(ctx context.Context, d models.StakeDeposit) error
	Deposits(ctx context.Context, userID string) ([]models.StakeDeposit, error)
}

// Timing holds the delays handed to the controllers.
type Timing struct {
	TourDelay     time.Duration `yaml:"tour_delay"`
	PoseDelay     time.Duration `yaml:"pose_delay"`
	FeedbackDelay time.Duration `yaml:"feedback_delay"`
}

func DefaultTiming() Timing {
	return Timing{
		TourDelay:     time.Second,
		PoseDelay:     1500 * time.Millisecond,
		FeedbackDelay: 800 * time.Millisecond,
	}
}

// DefaultIdleTTL is how long a session nobody signed in to survives without
// being touched.
const DefaultIdleTTL = 6 * time.Hour

type Options struct {
	Store  Store
	Escrow escrow.Escrow
	Clock  schedule.Clock
	Limits commitment.Limits
	Timing Timing
	// IdleTTL bounds the life of anonymous sessions.
	IdleTTL time.Duration
	Log     *zap.Logger
}

// Session is one user's live state. Exactly one of the onboarding flow or the
// dashboard is live; a workout exists only in the Workout view.
type Session struct {
	ID string

	mu        sync.Mutex
	view      View
	userID    string
	flow      *onboarding.Flow
	dash      *dashboard.Dashboard
	firstTime *dashboard.OnceFlag
	workout   *workout.Session
	feed      *workout.ReadingFeed
	// deposits are the stake payments held for the user, newest first.
	deposits []models.StakeDeposit

	// touched is guarded by Manager.mu.
	touched time.Time
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Owner is the account bound to the session, empty before sign in.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Flow returns the onboarding controller while the session is onboarding.
func (s *Session) Flow() (*onboarding.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != Onboarding {
		return nil, ErrWrongView
	}
	return s.flow, nil
}

// Dashboard returns the dashboard while no workout covers it.
func (s *Session) Dashboard() (*dashboard.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != Dashboard {
		return nil, ErrWrongView
	}
	return s.dash, nil
}

func (s *Session) Workout() (*workout.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != Workout {
		return nil, ErrWrongView
	}
	return s.workout, nil
}

// Config returns the configuration model of whichever controller owns it.
func (s *Session) Config() *commitment.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == Onboarding {
		return s.flow.Config()
	}
	return s.dash.Config()
}

// PushReading forwards a detector reading to the running workout.
func (s *Session) PushReading(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != Workout {
		return ErrWrongView
	}
	if !s.feed.Push(count) {
		return ErrNotTracking
	}
	return nil
}

type Snapshot struct {
	ID         string            `json:"id"`
	View       View              `json:"view"`
	UserID     string            `json:"userId,omitempty"`
	Onboarding *onboarding.State `json:"onboarding,omitempty"`
	Dashboard  *dashboard.State  `json:"dashboard,omitempty"`
	Workout    *workout.State    `json:"workout,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{ID: s.ID, View: s.view, UserID: s.userID}
	switch s.view {
	case Onboarding:
		st := s.flow.State()
		snap.Onboarding = &st
	case Workout:
		w := s.workout.State()
		snap.Workout = &w
		fallthrough
	case Dashboard:
		d := s.dash.State()
		snap.Dashboard = &d
	}
	return snap
}

// Manager is the in-memory registry of live sessions.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	byUser    map[string]*Session
	lastSweep time.Time
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = schedule.Real()
	}
	if opts.Escrow == nil {
		opts.Escrow = escrow.Noop{Log: opts.Log}
	}
	if opts.Limits == (commitment.Limits{}) {
		opts.Limits = commitment.DefaultLimits()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:      opts,
		log:       log,
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]*Session),
		lastSweep: opts.Clock.Now(),
	}
}

// Create starts an anonymous session at the Welcome step. Anonymous sessions
// left idle for IdleTTL are evicted as new ones arrive.
func (m *Manager) Create() *Session {
	now := m.opts.Clock.Now()
	s := &Session{
		ID:      uuid.New().String(),
		view:    Onboarding,
		flow:    onboarding.New(commitment.New(m.opts.Limits)),
		touched: now,
	}

	m.mu.Lock()
	var evicted []*Session
	if now.Sub(m.lastSweep) >= m.opts.IdleTTL/10 {
		evicted = m.sweepLocked(now)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	for _, old := range evicted {
		m.teardown(old)
	}
	m.log.Info("session created", zap.String("session_id", s.ID))
	return s
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.touched = m.opts.Clock.Now()
	return s, nil
}

// Sweep evicts anonymous sessions idle for longer than IdleTTL and returns
// how many it removed. Sessions bound to a user are kept.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	evicted := m.sweepLocked(m.opts.Clock.Now())
	m.mu.Unlock()

	for _, s := range evicted {
		m.teardown(s)
	}
	return len(evicted)
}

func (m *Manager) sweepLocked(now time.Time) []*Session {
	m.lastSweep = now
	bound := make(map[*Session]bool, len(m.byUser))
	for _, s := range m.byUser {
		bound[s] = true
	}

	var evicted []*Session
	for id, s := range m.sessions {
		if bound[s] || now.Sub(s.touched) < m.opts.IdleTTL {
			continue
		}
		delete(m.sessions, id)
		evicted = append(evicted, s)
	}
	if len(evicted) > 0 {
		m.log.Info("idle sessions evicted", zap.Int("count", len(evicted)))
	}
	return evicted
}

// ForUser returns the live session bound to userID.
func (m *Manager) ForUser(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byUser[userID]
	return s, ok
}

// Authorize checks that userID may act on s. Sessions nobody signed in to yet
// are reachable by id alone.
func (m *Manager) Authorize(s *Session, userID string) error {
	owner := s.Owner()
	switch {
	case owner == "":
		return nil
	case userID == "":
		return ErrUnauthenticated
	case owner != userID:
		return ErrForbidden
	}
	return nil
}

// Login binds userID to an onboarding session. It satisfies the Login step.
func (m *Manager) Login(s *Session, userID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if err := m.Authorize(s, userID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.view != Onboarding {
		s.mu.Unlock()
		return ErrWrongView
	}
	if err := s.flow.Authenticate(userID); err != nil {
		s.mu.Unlock()
		return err
	}
	s.userID = userID
	s.mu.Unlock()

	m.bind(s, userID)
	return nil
}

// bind makes s the user's only live session; a previous one is torn down.
func (m *Manager) bind(s *Session, userID string) {
	m.mu.Lock()
	old, ok := m.byUser[userID]
	if ok && old != s {
		delete(m.sessions, old.ID)
	}
	m.byUser[userID] = s
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if ok && old != s {
		m.teardown(old)
	}
}

// Resume returns the user's live session, or rebuilds a dashboard session
// from the stored commitment. It returns ErrNotFound when the user never
// finished onboarding.
func (m *Manager) Resume(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if s, ok := m.ForUser(userID); ok {
		return s, nil
	}

	c, err := m.opts.Store.CommitmentByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load commitment: %w", err)
	}

	repsDone, err := m.opts.Store.Progress(ctx, userID, store.DayKey(m.opts.Clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	deposits, err := m.opts.Store.Deposits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load deposits: %w", err)
	}

	s := &Session{
		ID:        uuid.New().String(),
		view:      Dashboard,
		userID:    userID,
		firstTime: dashboard.NewOnceFlag(false),
		deposits:  deposits,
		touched:   m.opts.Clock.Now(),
	}
	s.dash = m.newDashboard(commitment.FromCommitment(m.opts.Limits, c), repsDone)
	s.dash.Mount(s.firstTime)

	m.mu.Lock()
	if live, ok := m.byUser[userID]; ok {
		m.mu.Unlock()
		s.dash.Unmount()
		return live, nil
	}
	m.byUser[userID] = s
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("session resumed", zap.String("session_id", s.ID), zap.String("user_id", userID))
	return s, nil
}

func (m *Manager) newDashboard(config *commitment.Model, repsDone int) *dashboard.Dashboard {
	return dashboard.New(config, repsDone, dashboard.Options{
		Clock:     m.opts.Clock,
		TourDelay: m.opts.Timing.TourDelay,
	})
}

// Finish closes onboarding: the commitment is stored, the stake is deposited
// and the configuration is handed to a freshly mounted dashboard with the
// first-time tour armed.
func (m *Manager) Finish(ctx context.Context, s *Session) (models.Commitment, models.StakeDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.view != Onboarding {
		return models.Commitment{}, models.StakeDeposit{}, ErrWrongView
	}

	var deposit models.StakeDeposit
	c, err := s.flow.Finish(m.opts.Clock.Now(), func(c models.Commitment) error {
		if err := m.opts.Store.SaveCommitment(ctx, c); err != nil {
			return fmt.Errorf("save commitment: %w", err)
		}
		d, err := m.opts.Escrow.Deposit(ctx, c)
		if err != nil {
			return fmt.Errorf("deposit stake: %w", err)
		}
		if err := m.opts.Store.SaveDeposit(ctx, d); err != nil {
			return fmt.Errorf("save deposit: %w", err)
		}
		deposit = d
		return nil
	})
	if err != nil {
		return models.Commitment{}, models.StakeDeposit{}, err
	}

	repsDone, err := m.opts.Store.Progress(ctx, c.UserID, store.DayKey(m.opts.Clock.Now()))
	if err != nil {
		m.log.Warn("progress unavailable, starting at zero", zap.String("user_id", c.UserID), zap.Error(err))
		repsDone = 0
	}

	s.deposits = []models.StakeDeposit{deposit}
	s.firstTime = dashboard.NewOnceFlag(true)
	s.dash = m.newDashboard(s.flow.Config(), repsDone)
	s.flow = nil
	s.view = Dashboard
	s.dash.Mount(s.firstTime)

	m.log.Info("onboarding finished",
		zap.String("session_id", s.ID),
		zap.String("user_id", c.UserID),
		zap.Int("reps", c.Reps),
		zap.Int("stake", c.StakeAmount),
		zap.String("charity", string(c.Charity)))
	return c, deposit, nil
}

// UpdateSettings edits the commitment from the dashboard. A stake change is
// charged or refunded before it is stored; a failed payment reverts it. When
// the stake went up, the returned deposit is the new payment the client has
// to confirm.
func (m *Manager) UpdateSettings(ctx context.Context, s *Session, p commitment.Patch) (dashboard.SettingsChange, *models.StakeDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.view != Dashboard {
		return dashboard.SettingsChange{}, nil, ErrWrongView
	}

	before := s.dash.Config().Snapshot()
	change, err := s.dash.UpdateSettings(p)
	if err != nil {
		return change, nil, err
	}

	var charge *models.StakeDeposit
	if change.StakeDelta != 0 {
		held := escrow.Held(s.deposits)
		changed, err := m.opts.Escrow.Adjust(ctx, s.deposits, s.userID, change.StakeDelta)
		m.recordDeposits(ctx, s, changed)
		if err != nil {
			// Refunds that went through before the failure stay refunded.
			moved := escrow.Held(s.deposits) - held
			before.StakeAmount += moved
			m.revert(s, before)
			if moved != 0 {
				m.log.Error("stake partially adjusted",
					zap.String("user_id", s.userID),
					zap.Int("moved", moved),
					zap.Int("requested", change.StakeDelta))
				if err := m.saveCommitment(ctx, s.userID, s.dash.Config().Snapshot()); err != nil {
					m.log.Error("failed to record partial stake change", zap.String("user_id", s.userID), zap.Error(err))
				}
			}
			return dashboard.SettingsChange{}, nil, fmt.Errorf("adjust stake: %w", err)
		}
		if change.StakeDelta > 0 && len(changed) > 0 {
			d := changed[0]
			charge = &d
		}
	}

	if err := m.saveCommitment(ctx, s.userID, change.Config); err != nil {
		return change, charge, fmt.Errorf("update commitment: %w", err)
	}
	return change, charge, nil
}

func (m *Manager) saveCommitment(ctx context.Context, userID string, cfg commitment.UserConfig) error {
	return m.opts.Store.UpdateCommitment(ctx, models.Commitment{
		UserID:         userID,
		Name:           cfg.Name,
		Reps:           cfg.Reps,
		StakeAmount:    cfg.StakeAmount,
		Charity:        cfg.Charity,
		StreakMode:     cfg.StreakMode,
		ReferralSource: cfg.ReferralSource,
		UpdatedAt:      m.opts.Clock.Now(),
	})
}

// recordDeposits stores deposits created or changed by the escrow and folds
// them into the session.
func (m *Manager) recordDeposits(ctx context.Context, s *Session, changed []models.StakeDeposit) {
	for _, d := range changed {
		if err := m.opts.Store.SaveDeposit(ctx, d); err != nil {
			m.log.Error("failed to record stake change",
				zap.String("user_id", s.userID),
				zap.String("payment_intent", d.PaymentIntentID),
				zap.Error(err))
		}
	}
	s.deposits = escrow.Merge(s.deposits, changed)
}

func (m *Manager) revert(s *Session, before commitment.UserConfig) {
	charity := before.Charity
	_, err := s.dash.Config().Update(commitment.Patch{
		Reps:        &before.Reps,
		StakeAmount: &before.StakeAmount,
		Charity:     &charity,
	})
	if err != nil {
		m.log.Error("failed to revert settings", zap.String("user_id", s.userID), zap.Error(err))
	}
}

// StartWorkout covers the dashboard with a workout targeting today's
// remaining reps, or a full set once the goal is met.
func (m *Manager) StartWorkout(ctx context.Context, s *Session) (workout.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.view != Dashboard {
		return workout.State{}, ErrWrongView
	}
	if s.dash.Tour() != dashboard.TourOff {
		return workout.State{}, dashboard.ErrTourActive
	}

	st := s.dash.State()
	target := st.Remaining
	if target <= 0 {
		target = st.TargetReps
	}

	feed := workout.NewReadingFeed()
	w := workout.New(target, workout.Options{
		Clock:         m.opts.Clock,
		Camera:        workout.NewLeaseCamera(),
		Detector:      feed,
		PoseDelay:     m.opts.Timing.PoseDelay,
		FeedbackDelay: m.opts.Timing.FeedbackDelay,
	})
	if err := w.Start(ctx); err != nil {
		w.Close()
		return workout.State{}, err
	}

	s.workout = w
	s.feed = feed
	s.view = Workout
	return w.State(), nil
}

// CompleteWorkout records the finished set in today's progress and returns to
// the dashboard.
func (m *Manager) CompleteWorkout(ctx context.Context, s *Session) (dashboard.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.view != Workout {
		return dashboard.State{}, ErrWrongView
	}
	count, err := s.workout.Complete()
	if err != nil {
		return dashboard.State{}, err
	}
	s.workout, s.feed = nil, nil
	s.view = Dashboard

	total, err := m.opts.Store.AddProgress(ctx, s.userID, store.DayKey(m.opts.Clock.Now()), count)
	if err != nil {
		// The reps still count on screen but are lost on resume.
		shown := s.dash.RecordWorkout(count)
		m.log.Error("workout progress not saved",
			zap.String("user_id", s.userID),
			zap.Int("reps", count),
			zap.Int("shown", shown),
			zap.Error(err))
		return s.dash.State(), fmt.Errorf("save progress: %w", err)
	}
	s.dash.SetRepsDone(total)

	m.log.Info("workout completed", zap.String("user_id", s.userID), zap.Int("reps", count), zap.Int("today", total))
	return s.dash.State(), nil
}

// CloseWorkout abandons the workout without recording reps.
func (m *Manager) CloseWorkout(s *Session) (dashboard.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.view != Workout {
		return dashboard.State{}, ErrWrongView
	}
	s.workout.Close()
	s.workout, s.feed = nil, nil
	s.view = Dashboard
	return s.dash.State(), nil
}

// ResetDay zeroes today's progress for userID's live session.
func (m *Manager) ResetDay(userID string) {
	s, ok := m.ForUser(userID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dash != nil {
		s.dash.SetRepsDone(0)
	}
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.byUser = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(s)
	}
}

func (m *Manager) teardown(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workout != nil {
		s.workout.Close()
		s.workout, s.feed = nil, nil
	}
	if s.dash != nil {
		s.dash.Unmount()
	}
}
