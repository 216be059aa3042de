package session

import (
	"context"
	"sync"
	"time"

	"github.com/quizwire/live-backend/internal/store"
)

// fakeStore is an in-memory store.Store; answers are keyed by
// (questionID, teamID) exactly like the real unique index.
type fakeStore struct {
	mu           sync.Mutex
	run          store.Run
	questions    map[uint]store.Question
	translations map[uint][]store.Translation
	teams        map[uint]store.Team
	languages    map[uint]store.Language
	slides       map[int]store.Slide
	answers      map[[2]uint]store.Answer
	scores       []store.TeamScore
	nextAnswerID uint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		run:          store.Run{EventID: 1, Status: store.RunNotStarted},
		questions:    make(map[uint]store.Question),
		translations: make(map[uint][]store.Translation),
		teams:        make(map[uint]store.Team),
		languages:    make(map[uint]store.Language),
		slides:       make(map[int]store.Slide),
		answers:      make(map[[2]uint]store.Answer),
	}
}

func (f *fakeStore) Run(ctx context.Context, eventID uint) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run, nil
}

func (f *fakeStore) SetRunStatus(ctx context.Context, eventID uint, status store.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run.Status = status
	return nil
}

func (f *fakeStore) SetRunGrace(ctx context.Context, eventID uint, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run.GracePeriod = seconds
	return nil
}

func (f *fakeStore) UpdateRunState(ctx context.Context, eventID uint, status store.RunStatus, questionID *uint, startTime *time.Time, hasTimer bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run.Status = status
	f.run.ActiveQuestionID = questionID
	f.run.QuestionStartTime = startTime
	f.run.HasTimer = hasTimer
	return nil
}

func (f *fakeStore) Question(ctx context.Context, questionID uint) (store.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.questions[questionID]
	if !ok {
		return store.Question{}, store.ErrNotFound
	}
	return q, nil
}

func (f *fakeStore) Translations(ctx context.Context, questionID uint) ([]store.Translation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.translations[questionID], nil
}

func (f *fakeStore) Teams(ctx context.Context, eventID uint) ([]store.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	teams := make([]store.Team, 0, len(f.teams))
	for _, t := range f.teams {
		teams = append(teams, t)
	}
	return teams, nil
}

func (f *fakeStore) SetTeamLanguage(ctx context.Context, teamID, languageID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.teams[teamID]
	t.LanguageID = &languageID
	f.teams[teamID] = t
	return nil
}

func (f *fakeStore) Language(ctx context.Context, languageID uint) (store.Language, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lang, ok := f.languages[languageID]
	if !ok {
		return store.Language{}, store.ErrNotFound
	}
	return lang, nil
}

func (f *fakeStore) Slide(ctx context.Context, eventID uint, number int) (store.Slide, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slides[number]
	if !ok {
		return store.Slide{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) UpsertAnswer(ctx context.Context, questionID, teamID, translationID uint, text string) (store.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]uint{questionID, teamID}
	ans, ok := f.answers[key]
	if !ok {
		f.nextAnswerID++
		ans = store.Answer{ID: f.nextAnswerID, QuestionID: questionID, TeamID: teamID}
	}
	ans.TranslationID = translationID
	ans.Text = text
	f.answers[key] = ans
	return ans, nil
}

func (f *fakeStore) TeamAnswer(ctx context.Context, questionID, teamID uint) (store.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ans, ok := f.answers[[2]uint{questionID, teamID}]
	if !ok {
		return store.Answer{}, store.ErrNotFound
	}
	return ans, nil
}

func (f *fakeStore) FinalScores(ctx context.Context, eventID uint) ([]store.TeamScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scores, nil
}

func (f *fakeStore) snapshotRun() store.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run
}

func (f *fakeStore) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeStore) answerText(questionID, teamID uint) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers[[2]uint{questionID, teamID}].Text
}
