package models

import "time"

// Commitment is the finalized user configuration handed from onboarding to
// the dashboard.
type Commitment struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Name           string    `json:"name"`
	Reps           int       `json:"reps"`
	StakeAmount    int       `json:"stakeAmount"`
	Charity        CharityID `json:"charity"`
	StreakMode     bool      `json:"streakMode"`
	ReferralSource string    `json:"referralSource"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
