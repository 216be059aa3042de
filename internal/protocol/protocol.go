// Package protocol defines the JSON frames exchanged over the live socket.
// Every frame is an Envelope carrying a type tag, an optional correlation id
// and a type-specific payload. Host-bound and team-bound messages are closed
// sets; decoding goes through DecodeHostCommand / DecodeTeamCommand so an
// unhandled type is a decode error, never a silent drop.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownType = errors.New("unknown message type")

type Type string

// Client -> server.
const (
	TypeStartQuestion  Type = "START_QUESTION"
	TypePause          Type = "PAUSE"
	TypeShowSlide      Type = "SHOW_SLIDE"
	TypeCompleteRun    Type = "COMPLETE_RUN"
	TypeSelectLanguage Type = "SELECT_LANGUAGE"
	TypeSubmitAnswer   Type = "SUBMIT_ANSWER"
	TypeUpdateAnswer   Type = "UPDATE_ANSWER" // synonym of SUBMIT_ANSWER
)

// Server -> host.
const (
	TypeTeamStatus       Type = "TEAM_STATUS"
	TypeTeamReady        Type = "TEAM_READY"
	TypeTeamConnected    Type = "TEAM_CONNECTED"
	TypeTeamDisconnected Type = "TEAM_DISCONNECTED"
	TypeAnswerReceived   Type = "ANSWER_RECEIVED"
)

// Server -> team(s).
const (
	TypeQuestionStarted Type = "QUESTION_STARTED"
	TypeQuestionEnded   Type = "QUESTION_ENDED"
	TypeSlideShown      Type = "SLIDE_SHOWN"
	TypeRunCompleted    Type = "RUN_COMPLETED"
	TypeYourAnswer      Type = "YOUR_ANSWER"
	TypeError           Type = "ERROR"
)

// Both directions.
const (
	TypePing Type = "PING"
	TypeAck  Type = "ACK"
)

// Error codes carried by ERROR frames. State errors only reach the offending
// connection and never break it.
const (
	CodeNoLanguageSelected      = "NO_LANGUAGE_SELECTED"
	CodeNoActiveQuestion        = "NO_ACTIVE_QUESTION"
	CodeDeadlineExceeded        = "DEADLINE_EXCEEDED"
	CodeTranslationNotFound     = "TRANSLATION_NOT_FOUND"
	CodeLanguageAlreadySelected = "LANGUAGE_ALREADY_SELECTED"
	CodeLanguageLocked          = "LANGUAGE_LOCKED"
	CodeRunCompleted            = "RUN_COMPLETED"
	CodeBadMessage              = "BAD_MESSAGE"
)

// Envelope is the outer shape of every frame in both directions. ID is the
// correlation id the receiver echoes back in an ACK.
type Envelope struct {
	Type Type            `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func Encode(t Type, id string, payload any) ([]byte, error) {
	env := Envelope{Type: t, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// Host command payloads.

type StartQuestion struct {
	QuestionID uint `json:"questionId"`
	HasTimer   bool `json:"hasTimer"`
}

type ShowSlide struct {
	SlideNumber int `json:"slideNumber"`
}

// Team command payloads.

type SelectLanguage struct {
	LanguageID uint `json:"languageId"`
}

type SubmitAnswer struct {
	Answer string `json:"answer"`
}

// HostCommand is the closed set of commands a host connection may issue.
type HostCommand interface{ isHostCommand() }

type StartQuestionCmd struct {
	QuestionID uint
	HasTimer   bool
}

type PauseCmd struct{}

type ShowSlideCmd struct{ Number int }

type CompleteRunCmd struct{}

func (StartQuestionCmd) isHostCommand() {}
func (PauseCmd) isHostCommand()         {}
func (ShowSlideCmd) isHostCommand()     {}
func (CompleteRunCmd) isHostCommand()   {}

// TeamCommand is the closed set of commands a team connection may issue.
type TeamCommand interface{ isTeamCommand() }

type SelectLanguageCmd struct{ LanguageID uint }

type SubmitAnswerCmd struct{ Answer string }

func (SelectLanguageCmd) isTeamCommand() {}
func (SubmitAnswerCmd) isTeamCommand()   {}

// DecodeHostCommand maps a decoded envelope to a host command. PING and ACK
// are transport-level and must be handled before calling this.
func DecodeHostCommand(env Envelope) (HostCommand, error) {
	switch env.Type {
	case TypeStartQuestion:
		var p StartQuestion
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return StartQuestionCmd{QuestionID: p.QuestionID, HasTimer: p.HasTimer}, nil
	case TypePause:
		return PauseCmd{}, nil
	case TypeShowSlide:
		var p ShowSlide
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ShowSlideCmd{Number: p.SlideNumber}, nil
	case TypeCompleteRun:
		return CompleteRunCmd{}, nil
	default:
		return nil, fmt.Errorf("%w: %q for role host", ErrUnknownType, env.Type)
	}
}

// DecodeTeamCommand maps a decoded envelope to a team command.
// UPDATE_ANSWER and SUBMIT_ANSWER are synonyms on the wire.
func DecodeTeamCommand(env Envelope) (TeamCommand, error) {
	switch env.Type {
	case TypeSelectLanguage:
		var p SelectLanguage
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return SelectLanguageCmd{LanguageID: p.LanguageID}, nil
	case TypeSubmitAnswer, TypeUpdateAnswer:
		var p SubmitAnswer
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return SubmitAnswerCmd{Answer: p.Answer}, nil
	default:
		return nil, fmt.Errorf("%w: %q for role team", ErrUnknownType, env.Type)
	}
}

// Server -> client payloads.

type Translation struct {
	ID            uint   `json:"id"`
	LanguageID    uint   `json:"languageId"`
	LanguageCode  string `json:"languageCode"`
	Prompt        string `json:"prompt"`
	Clarification string `json:"clarification,omitempty"`
}

type QuestionStarted struct {
	QuestionID  uint        `json:"questionId"`
	Translation Translation `json:"translation"`
	StartTime   time.Time   `json:"startTime"`
	Seconds     int         `json:"seconds"`
	HasTimer    bool        `json:"hasTimer"`
	GracePeriod int         `json:"gracePeriod"`
}

type Slide struct {
	Number  int    `json:"number"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

type SlideShown struct {
	Slide Slide `json:"slide"`
}

type TeamScore struct {
	TeamID uint   `json:"teamId"`
	Name   string `json:"name"`
	Number int    `json:"number"`
	Points int    `json:"points"`
}

type RunCompleted struct {
	Scores []TeamScore `json:"scores"`
}

type YourAnswer struct {
	AnswerID uint   `json:"answerId"`
	Answer   string `json:"answer"`
}

// TeamState is one row of the TEAM_STATUS snapshot sent to a freshly
// connected host. Status is "offline", "connected" or "ready".
type TeamState struct {
	TeamID       uint   `json:"teamId"`
	Name         string `json:"name"`
	Number       int    `json:"number"`
	Status       string `json:"status"`
	LanguageCode string `json:"languageCode,omitempty"`
}

const (
	StatusOffline   = "offline"
	StatusConnected = "connected"
	StatusReady     = "ready"
)

type TeamStatus struct {
	Teams []TeamState `json:"teams"`
}

type TeamEvent struct {
	TeamID uint `json:"teamId"`
}

type AnswerReceived struct {
	TeamID uint `json:"teamId"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
