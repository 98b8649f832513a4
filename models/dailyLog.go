package models

type DayStatus string

const (
	Secured DayStatus = "SECURED"
	Failed  DayStatus = "FAILED"
)

// DailyLog is the closed record of one calendar day. Amount is set only when
// the stake was forfeited.
type DailyLog struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Day           string    `json:"day"`
	Date          string    `json:"date"`
	RepsCompleted int       `json:"repsCompleted"`
	TargetReps    int       `json:"targetReps"`
	Status        DayStatus `json:"status"`
	Amount        *int      `json:"amount,omitempty"`
}
