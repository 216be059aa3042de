// Package store holds the persisted models behind the live layer and the
// narrow contracts the session actors consume. The live layer never touches
// gorm directly; it goes through Store and Auth so tests can substitute
// in-memory fakes.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence surface the live layer depends on.
type Store interface {
	Run(ctx context.Context, eventID uint) (Run, error)

	// SetRunStatus flips status, creating the run row when a fresh event
	// has none yet; used by the REST start path.
	SetRunStatus(ctx context.Context, eventID uint, status RunStatus) error

	// SetRunGrace adjusts the late-answer acceptance window, creating the
	// run row when missing.
	SetRunGrace(ctx context.Context, eventID uint, seconds int) error

	// UpdateRunState writes status plus the active-question pair in one
	// statement. questionID and startTime are both nil or both set.
	UpdateRunState(ctx context.Context, eventID uint, status RunStatus, questionID *uint, startTime *time.Time, hasTimer bool) error

	Question(ctx context.Context, questionID uint) (Question, error)
	Translations(ctx context.Context, questionID uint) ([]Translation, error)
	Teams(ctx context.Context, eventID uint) ([]Team, error)
	SetTeamLanguage(ctx context.Context, teamID, languageID uint) error
	Language(ctx context.Context, languageID uint) (Language, error)

	// Slide returns ErrNotFound for an unknown event+number pair; callers
	// treat that as "nothing to show", not a failure.
	Slide(ctx context.Context, eventID uint, number int) (Slide, error)

	// UpsertAnswer inserts or overwrites the row keyed by (questionID,
	// teamID) and returns the stored row.
	UpsertAnswer(ctx context.Context, questionID, teamID, translationID uint, text string) (Answer, error)
	TeamAnswer(ctx context.Context, questionID, teamID uint) (Answer, error)

	FinalScores(ctx context.Context, eventID uint) ([]TeamScore, error)
}

// Auth is the authorization surface checked at socket upgrade time.
type Auth interface {
	// AuthorizeHost reports whether the session may host the event
	// (owner or admin).
	AuthorizeHost(ctx context.Context, token string, eventID uint) (bool, error)
	TeamExists(ctx context.Context, teamID, eventID uint) (bool, error)
}
