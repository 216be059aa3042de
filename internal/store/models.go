package store

import "time"

type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunInProgress RunStatus = "in_progress"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
)

// Run is the authoritative live-state row for one event. The session cache
// is a read path over this; every mutation writes through here first.
// ActiveQuestionID and QuestionStartTime are set and cleared together.
type Run struct {
	EventID           uint `gorm:"primaryKey"`
	Status            RunStatus
	GracePeriod       int // seconds added to the answer acceptance window
	HasTimer          bool
	ActiveQuestionID  *uint
	QuestionStartTime *time.Time
	UpdatedAt         time.Time
}

type Event struct {
	ID      uint `gorm:"primaryKey"`
	Name    string
	OwnerID uint
}

type Language struct {
	ID      uint `gorm:"primaryKey"`
	EventID uint `gorm:"index"`
	Code    string
	Name    string
}

type Team struct {
	ID         uint `gorm:"primaryKey"`
	EventID    uint `gorm:"index"`
	Name       string
	Number     int
	LanguageID *uint
}

type Question struct {
	ID      uint `gorm:"primaryKey"`
	EventID uint `gorm:"index"`
	Number  int
	Seconds int
}

type Translation struct {
	ID            uint `gorm:"primaryKey"`
	QuestionID    uint `gorm:"index"`
	LanguageID    uint
	LanguageCode  string
	Prompt        string
	Clarification string
}

type Slide struct {
	ID      uint `gorm:"primaryKey"`
	EventID uint `gorm:"index:idx_slides_event_number,unique"`
	Number  int  `gorm:"index:idx_slides_event_number,unique"`
	Title   string
	Content string
}

// Answer is keyed logically by (QuestionID, TeamID); resubmission updates
// the row in place and bumps UpdatedAt.
type Answer struct {
	ID            uint `gorm:"primaryKey"`
	QuestionID    uint `gorm:"index:idx_answers_question_team,unique"`
	TeamID        uint `gorm:"index:idx_answers_question_team,unique"`
	TranslationID uint
	Text          string
	Points        *int // awarded by a judge later; nil until graded
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Session struct {
	Token  string `gorm:"primaryKey"`
	UserID uint
	Admin  bool
}

// TeamScore is one scoreboard row; ungraded answers count as zero.
type TeamScore struct {
	TeamID uint
	Name   string
	Number int
	Points int
}
