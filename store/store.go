// Package store persists commitments, daily progress, the closed daily logs
// and the donations they trigger.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	fineDB "github.com/fineme/server/db"
	"github.com/fineme/server/models"
	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDayClosed = errors.New("day already closed")
)

// DayKey is the progress key for the calendar day of t.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// DateLabel is the human date shown in history.
func DateLabel(t time.Time) string {
	return t.Format("Jan 02, 2006")
}

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

// SaveCommitment inserts the commitment, replacing any earlier one for the
// same user.
func (s *Store) SaveCommitment(ctx context.Context, c models.Commitment) error {
	_, err := fineDB.LogAndExec(ctx, s.db, s.log,
		`INSERT INTO commitments (id, user_id, name, reps, stake_amount, charity, streak_mode, referral_source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET id = EXCLUDED.id, name = EXCLUDED.name, reps = EXCLUDED.reps,
		stake_amount = EXCLUDED.stake_amount, charity = EXCLUDED.charity, streak_mode = EXCLUDED.streak_mode,
		referral_source = EXCLUDED.referral_source, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at`,
		c.ID, c.UserID, c.Name, c.Reps, c.StakeAmount, string(c.Charity), c.StreakMode, c.ReferralSource, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save commitment: %w", err)
	}
	return nil
}

// UpdateCommitment writes the editable settings of an existing commitment.
func (s *Store) UpdateCommitment(ctx context.Context, c models.Commitment) error {
	res, err := fineDB.LogAndExec(ctx, s.db, s.log,
		"UPDATE commitments SET reps = $1, stake_amount = $2, charity = $3, updated_at = $4 WHERE user_id = $5",
		c.Reps, c.StakeAmount, string(c.Charity), c.UpdatedAt, c.UserID)
	if err != nil {
		return fmt.Errorf("update commitment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update commitment %s: %w", c.UserID, ErrNotFound)
	}
	return nil
}

const commitmentColumns = "id, user_id, name, reps, stake_amount, charity, streak_mode, referral_source, created_at, updated_at"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCommitment(row scanner) (models.Commitment, error) {
	var c models.Commitment
	var charity string
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Reps, &c.StakeAmount, &charity, &c.StreakMode, &c.ReferralSource, &c.CreatedAt, &c.UpdatedAt)
	c.Charity = models.CharityID(charity)
	return c, err
}

func (s *Store) CommitmentByUser(ctx context.Context, userID string) (models.Commitment, error) {
	row := fineDB.LogAndQueryRow(ctx, s.db, s.log,
		"SELECT "+commitmentColumns+" FROM commitments WHERE user_id = $1", userID)

	c, err := scanCommitment(row)
	if err == sql.ErrNoRows {
		return models.Commitment{}, fmt.Errorf("commitment for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return models.Commitment{}, fmt.Errorf("commitment for %s: %w", userID, err)
	}
	return c, nil
}

// Commitments returns every active commitment.
func (s *Store) Commitments(ctx context.Context) ([]models.Commitment, error) {
	rows, err := fineDB.LogAndQuery(ctx, s.db, s.log,
		"SELECT "+commitmentColumns+" FROM commitments ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()

	var out []models.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddProgress adds completed reps to a user's day.
func (s *Store) AddProgress(ctx context.Context, userID, day string, reps int) (int, error) {
	row := fineDB.LogAndQueryRow(ctx, s.db, s.log,
		`INSERT INTO progress (user_id, day, reps) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, day) DO UPDATE SET reps = progress.reps + EXCLUDED.reps
		RETURNING reps`, userID, day, reps)

	var total int
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("add progress: %w", err)
	}
	return total, nil
}

// Progress returns the reps recorded for a user's day, zero when none.
func (s *Store) Progress(ctx context.Context, userID, day string) (int, error) {
	row := fineDB.LogAndQueryRow(ctx, s.db, s.log,
		"SELECT reps FROM progress WHERE user_id = $1 AND day = $2", userID, day)

	var reps int
	err := row.Scan(&reps)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("progress: %w", err)
	}
	return reps, nil
}

// CloseDay stores a closed day and, when given, the donation it triggers in
// one transaction. A day that is already closed is left as it is and
// ErrDayClosed is returned.
func (s *Store) CloseDay(ctx context.Context, l models.DailyLog, d *models.Donation) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin close day: %w", err)
	}
	defer tx.Rollback()

	logID, err := s.insertDailyLog(ctx, tx, l)
	if err != nil {
		return "", err
	}
	if d != nil {
		d.DailyLogID = logID
		if _, err := s.insertDonation(ctx, tx, *d); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit close day: %w", err)
	}
	return logID, nil
}

func (s *Store) insertDailyLog(ctx context.Context, conn fineDB.Conn, l models.DailyLog) (string, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}

	var amount sql.NullInt64
	if l.Amount != nil {
		amount = sql.NullInt64{Int64: int64(*l.Amount), Valid: true}
	}

	res, err := fineDB.LogAndExec(ctx, conn, s.log,
		`INSERT INTO daily_logs (id, user_id, day, date_label, reps_completed, target_reps, status, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (user_id, day) DO NOTHING`,
		l.ID, l.UserID, l.Day, l.Date, l.RepsCompleted, l.TargetReps, string(l.Status), amount)
	if err != nil {
		return "", fmt.Errorf("insert daily log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrDayClosed
	}
	return l.ID, nil
}

// DailyLogs returns a user's history, newest first.
func (s *Store) DailyLogs(ctx context.Context, userID string) ([]models.DailyLog, error) {
	rows, err := fineDB.LogAndQuery(ctx, s.db, s.log,
		`SELECT id, user_id, day, date_label, reps_completed, target_reps, status, amount
		FROM daily_logs WHERE user_id = $1 ORDER BY day DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("daily logs: %w", err)
	}
	defer rows.Close()

	logs := []models.DailyLog{}
	for rows.Next() {
		var l models.DailyLog
		var day time.Time
		var status string
		var amount sql.NullInt64
		if err := rows.Scan(&l.ID, &l.UserID, &day, &l.Date, &l.RepsCompleted, &l.TargetReps, &status, &amount); err != nil {
			return nil, fmt.Errorf("scan daily log: %w", err)
		}
		l.Day = DayKey(day)
		l.Status = models.DayStatus(status)
		if amount.Valid {
			a := int(amount.Int64)
			l.Amount = &a
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Store) insertDonation(ctx context.Context, conn fineDB.Conn, d models.Donation) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	_, err := fineDB.LogAndExec(ctx, conn, s.log,
		"INSERT INTO donations (id, user_id, amount, charity, paid, daily_log_id) VALUES ($1, $2, $3, $4, $5, $6)",
		d.ID, d.UserID, d.Amount, string(d.Charity), d.Paid, d.DailyLogID)
	if err != nil {
		return "", fmt.Errorf("insert donation: %w", err)
	}
	return d.ID, nil
}

// SaveDeposit inserts a deposit or records the new amount and status of an
// existing one.
func (s *Store) SaveDeposit(ctx context.Context, d models.StakeDeposit) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	_, err := fineDB.LogAndExec(ctx, s.db, s.log,
		`INSERT INTO stake_deposits (id, user_id, amount, payment_intent_id, status) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET amount = EXCLUDED.amount, status = EXCLUDED.status`,
		d.ID, d.UserID, d.Amount, d.PaymentIntentID, string(d.Status))
	if err != nil {
		return fmt.Errorf("save deposit: %w", err)
	}
	return nil
}

// Deposits returns every deposit of a user, newest first.
func (s *Store) Deposits(ctx context.Context, userID string) ([]models.StakeDeposit, error) {
	rows, err := fineDB.LogAndQuery(ctx, s.db, s.log,
		"SELECT id, user_id, amount, payment_intent_id, status FROM stake_deposits WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("deposits for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []models.StakeDeposit
	for rows.Next() {
		var d models.StakeDeposit
		var status string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Amount, &d.PaymentIntentID, &status); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		d.Status = stripe.PaymentIntentStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}
