package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Open connects to postgres and migrates the live-layer tables.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(
		&Event{}, &Run{}, &Language{}, &Team{},
		&Question{}, &Translation{}, &Slide{}, &Answer{}, &Session{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Gorm implements Store and Auth over a gorm connection.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) Run(ctx context.Context, eventID uint) (Run, error) {
	var run Run
	err := g.db.WithContext(ctx).First(&run, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, ErrNotFound
	}
	return run, err
}

func (g *Gorm) SetRunStatus(ctx context.Context, eventID uint, status RunStatus) error {
	// Upsert: a fresh event has no run row until its first mutation.
	run := Run{EventID: eventID, Status: status}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.Assignments(map[string]any{"status": status}),
	}).Create(&run).Error
}

func (g *Gorm) SetRunGrace(ctx context.Context, eventID uint, seconds int) error {
	run := Run{EventID: eventID, Status: RunNotStarted, GracePeriod: seconds}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.Assignments(map[string]any{"grace_period": seconds}),
	}).Create(&run).Error
}

func (g *Gorm) UpdateRunState(ctx context.Context, eventID uint, status RunStatus, questionID *uint, startTime *time.Time, hasTimer bool) error {
	return g.db.WithContext(ctx).Model(&Run{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"status":              status,
			"active_question_id":  questionID,
			"question_start_time": startTime,
			"has_timer":           hasTimer,
		}).Error
}

func (g *Gorm) Question(ctx context.Context, questionID uint) (Question, error) {
	var q Question
	err := g.db.WithContext(ctx).First(&q, questionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Question{}, ErrNotFound
	}
	return q, err
}

func (g *Gorm) Translations(ctx context.Context, questionID uint) ([]Translation, error) {
	var ts []Translation
	err := g.db.WithContext(ctx).Where("question_id = ?", questionID).Find(&ts).Error
	return ts, err
}

func (g *Gorm) Teams(ctx context.Context, eventID uint) ([]Team, error) {
	var teams []Team
	err := g.db.WithContext(ctx).Where("event_id = ?", eventID).Order("number").Find(&teams).Error
	return teams, err
}

func (g *Gorm) SetTeamLanguage(ctx context.Context, teamID, languageID uint) error {
	return g.db.WithContext(ctx).Model(&Team{}).
		Where("id = ?", teamID).
		Update("language_id", languageID).Error
}

func (g *Gorm) Language(ctx context.Context, languageID uint) (Language, error) {
	var lang Language
	err := g.db.WithContext(ctx).First(&lang, languageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Language{}, ErrNotFound
	}
	return lang, err
}

func (g *Gorm) Slide(ctx context.Context, eventID uint, number int) (Slide, error) {
	var slide Slide
	err := g.db.WithContext(ctx).
		Where("event_id = ? AND number = ?", eventID, number).
		First(&slide).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Slide{}, ErrNotFound
	}
	return slide, err
}

func (g *Gorm) UpsertAnswer(ctx context.Context, questionID, teamID, translationID uint, text string) (Answer, error) {
	ans := Answer{
		QuestionID:    questionID,
		TeamID:        teamID,
		TranslationID: translationID,
		Text:          text,
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "question_id"}, {Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"translation_id", "text", "updated_at"}),
	}).Create(&ans).Error
	if err != nil {
		return Answer{}, err
	}
	// The conflict path does not report the surviving row id, so read it back.
	return g.TeamAnswer(ctx, questionID, teamID)
}

func (g *Gorm) TeamAnswer(ctx context.Context, questionID, teamID uint) (Answer, error) {
	var ans Answer
	err := g.db.WithContext(ctx).
		Where("question_id = ? AND team_id = ?", questionID, teamID).
		First(&ans).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Answer{}, ErrNotFound
	}
	return ans, err
}

func (g *Gorm) FinalScores(ctx context.Context, eventID uint) ([]TeamScore, error) {
	var scores []TeamScore
	err := g.db.WithContext(ctx).
		Table("teams").
		Select("teams.id AS team_id, teams.name, teams.number, COALESCE(SUM(answers.points), 0) AS points").
		Joins("LEFT JOIN answers ON answers.team_id = teams.id").
		Where("teams.event_id = ?", eventID).
		Group("teams.id, teams.name, teams.number").
		Order("points DESC, teams.number").
		Scan(&scores).Error
	return scores, err
}

func (g *Gorm) AuthorizeHost(ctx context.Context, token string, eventID uint) (bool, error) {
	var sess Session
	err := g.db.WithContext(ctx).First(&sess, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.Admin {
		return true, nil
	}
	var count int64
	err = g.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND owner_id = ?", eventID, sess.UserID).
		Count(&count).Error
	return count > 0, err
}

func (g *Gorm) TeamExists(ctx context.Context, teamID, eventID uint) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&Team{}).
		Where("id = ? AND event_id = ?", teamID, eventID).
		Count(&count).Error
	return count > 0, err
}
