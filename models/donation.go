package models

type Donation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Amount     int       `json:"amount"`
	Charity    CharityID `json:"charity"`
	Paid       bool      `json:"paid"`
	DailyLogID string    `json:"dailyLogId"`
	CreatedAt  string    `json:"createdAt"`
	UpdatedAt  string    `json:"updatedAt"`
}
