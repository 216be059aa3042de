// Package session runs one actor goroutine per live event. The actor owns
// the host handle, the team handles, the cached run and the active-question
// cache, so every command against one event is serialized by construction.
// Cross-event traffic never meets: the registry shards by event id.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/quizwire/live-backend/internal/protocol"
	"github.com/quizwire/live-backend/internal/store"
)

// OutboxSize bounds per-connection buffering; a connection that falls this
// far behind is dropped rather than blocking the event loop.
const OutboxSize = 32

type teamConn struct {
	id           uint
	outbox       Outbox
	languageID   uint // 0 until a language is chosen
	languageCode string
	selected     bool // language chosen on this connection
	name         string
	number       int
}

// activeQuestion caches everything answer intake needs so submissions never
// hit storage for reads. Rebuilt on START_QUESTION, cleared on pause and
// completion.
type activeQuestion struct {
	questionID   uint
	seconds      int
	hasTimer     bool
	startTime    time.Time
	translations map[uint]store.Translation // keyed by language id
}

type Session struct {
	eventID uint
	inbox   chan Msg
	st      store.Store
	log     *zap.Logger
	clock   clockwork.Clock

	host  Outbox // nil when no host is connected
	teams map[uint]*teamConn
	chans *Channels

	run       store.Run
	active    *activeQuestion
	langCodes map[uint]string

	onIdle   func(*Session)
	idleSent bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New loads the run (and, when a question is live, its metadata) once and
// starts the actor goroutine. onIdle fires the first time the session drops
// to zero connections; the registry answers with ConfirmIdle.
func New(parent context.Context, eventID uint, st store.Store, log *zap.Logger, clock clockwork.Clock, onIdle func(*Session)) (*Session, error) {
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		eventID:   eventID,
		inbox:     make(chan Msg, 64),
		st:        st,
		log:       log.With(zap.Uint("event_id", eventID)),
		clock:     clock,
		teams:     make(map[uint]*teamConn),
		chans:     NewChannels(),
		langCodes: make(map[uint]string),
		onIdle:    onIdle,
		ctx:       ctx,
		cancel:    cancel,
	}

	run, err := st.Run(ctx, eventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		run = store.Run{EventID: eventID, Status: store.RunNotStarted}
	case err != nil:
		cancel()
		return nil, err
	}
	s.run = run

	if run.ActiveQuestionID != nil && run.QuestionStartTime != nil {
		if err := s.loadActiveQuestion(*run.ActiveQuestionID, *run.QuestionStartTime, run.HasTimer); err != nil {
			cancel()
			return nil, err
		}
	}

	go s.loop()
	return s, nil
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) EventID() uint { return s.eventID }

// Done is closed once the actor goroutine has exited. Senders racing an
// eviction select on this instead of waiting on a reply that will never
// come.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.closeAll()
			s.drain()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case JoinHost:
				msg.Reply <- s.joinHost(msg.Outbox)
			case LeaveHost:
				s.leaveHost(msg.Outbox)
			case JoinTeam:
				msg.Reply <- s.joinTeam(msg.TeamID, msg.Outbox)
			case LeaveTeam:
				s.leaveTeam(msg.TeamID, msg.Outbox)
			case HostCmd:
				s.applyHostCommand(msg.Cmd)
			case TeamCmd:
				s.applyTeamCommand(msg.TeamID, msg.Cmd)
			case RunInvalidated:
				s.reloadRun()
			case ConfirmIdle:
				// Anything queued behind the handshake must get its
				// reply from a live loop, so a non-empty inbox refuses
				// eviction even with zero connections.
				if s.host == nil && len(s.teams) == 0 && len(s.inbox) == 0 {
					msg.Reply <- true
					s.cancel()
					s.drain()
					return
				}
				s.idleSent = false
				msg.Reply <- false
			case GetView:
				msg.Reply <- View{
					Status:           string(s.run.Status),
					ActiveQuestionID: s.activeQuestionID(),
					HostConnected:    s.host != nil,
					NumTeams:         len(s.teams),
					ChannelCodes:     s.chans.Codes(),
				}
			case Shutdown:
				s.closeAll()
				s.cancel()
				s.drain()
				return
			}
			if len(s.inbox) == 0 {
				s.maybeIdle()
			}
		}
	}
}

// drain answers whatever slipped into the inbox around the exit. Joins sent
// after this are caught by Done on the caller side.
func (s *Session) drain() {
	for {
		select {
		case m := <-s.inbox:
			switch msg := m.(type) {
			case JoinHost:
				msg.Reply <- ErrSessionClosed
			case JoinTeam:
				msg.Reply <- ErrSessionClosed
			case ConfirmIdle:
				msg.Reply <- true
			case GetView:
				msg.Reply <- View{}
			}
		default:
			return
		}
	}
}

// --- connection lifecycle -------------------------------------------------

func (s *Session) joinHost(out Outbox) error {
	if s.host != nil {
		// At most one concurrent host; the second attempt is rejected
		// without disturbing the first.
		return ErrHostAlreadyConnected
	}
	s.host = out
	s.idleSent = false

	// One consistent snapshot instead of racing per-team notifications.
	teams, err := s.st.Teams(s.ctx, s.eventID)
	if err != nil {
		s.log.Error("load teams for status snapshot", zap.Error(err))
		teams = nil
	}
	states := make([]protocol.TeamState, 0, len(teams))
	for _, t := range teams {
		state := protocol.TeamState{TeamID: t.ID, Name: t.Name, Number: t.Number, Status: protocol.StatusOffline}
		if tc, ok := s.teams[t.ID]; ok {
			state.Status = protocol.StatusConnected
			if tc.languageID != 0 {
				state.Status = protocol.StatusReady
				state.LanguageCode = tc.languageCode
			}
		}
		states = append(states, state)
	}
	s.sendHost(protocol.TypeTeamStatus, protocol.TeamStatus{Teams: states})
	return nil
}

func (s *Session) leaveHost(out Outbox) {
	if s.host != out {
		return // stale leave from an already-replaced connection
	}
	s.host = nil
	// A disconnected host must not leave a dangling timer running.
	s.pause()
}

func (s *Session) joinTeam(teamID uint, out Outbox) error {
	if old, ok := s.teams[teamID]; ok {
		// Last connection wins; the old socket would otherwise double
		// up delivery.
		s.removeTeam(old, false)
	}

	tc := &teamConn{id: teamID, outbox: out}
	teams, err := s.st.Teams(s.ctx, s.eventID)
	if err != nil {
		return err
	}
	for _, t := range teams {
		if t.ID != teamID {
			continue
		}
		tc.name, tc.number = t.Name, t.Number
		if t.LanguageID != nil {
			code, err := s.languageCode(*t.LanguageID)
			if err != nil {
				s.log.Error("load team language", zap.Uint("team_id", teamID), zap.Error(err))
				break
			}
			tc.languageID, tc.languageCode = *t.LanguageID, code
		}
		break
	}

	s.teams[teamID] = tc
	s.idleSent = false

	if tc.languageID != 0 {
		s.chans.Subscribe(ChannelKey(s.eventID, tc.languageCode), teamID, out)
		s.sendHost(protocol.TypeTeamReady, protocol.TeamEvent{TeamID: teamID})
	} else {
		s.sendHost(protocol.TypeTeamConnected, protocol.TeamEvent{TeamID: teamID})
	}

	// A team resuming mid-question gets the live question for its
	// language, then its stored submission; replay is idempotent and
	// never guesses.
	if s.active != nil && tc.languageID != 0 {
		if tr, ok := s.active.translations[tc.languageID]; ok {
			s.sendTeam(tc, protocol.TypeQuestionStarted, protocol.QuestionStarted{
				QuestionID:  s.active.questionID,
				Translation: toWireTranslation(tr),
				StartTime:   s.active.startTime,
				Seconds:     s.active.seconds,
				HasTimer:    s.active.hasTimer,
				GracePeriod: s.run.GracePeriod,
			})
		}
		s.replayAnswer(tc)
	}
	return nil
}

func (s *Session) leaveTeam(teamID uint, out Outbox) {
	tc, ok := s.teams[teamID]
	if !ok || tc.outbox != out {
		return
	}
	s.removeTeam(tc, true)
}

// removeTeam is the single place a team connection is torn down. The session
// is the only closer of outboxes, so close happens exactly once.
func (s *Session) removeTeam(tc *teamConn, notifyHost bool) {
	delete(s.teams, tc.id)
	if tc.languageID != 0 {
		s.chans.Unsubscribe(ChannelKey(s.eventID, tc.languageCode), tc.id)
	}
	close(tc.outbox)
	if notifyHost {
		s.sendHost(protocol.TypeTeamDisconnected, protocol.TeamEvent{TeamID: tc.id})
	}
}

// maybeIdle runs once per message from the loop bottom, so any message that
// leaves the session empty triggers the eviction handshake, stale leaves and
// cache invalidations included.
func (s *Session) maybeIdle() {
	if s.host == nil && len(s.teams) == 0 && !s.idleSent && s.onIdle != nil {
		s.idleSent = true
		s.onIdle(s)
	}
}

// --- host commands --------------------------------------------------------

func (s *Session) applyHostCommand(cmd protocol.HostCommand) {
	switch c := cmd.(type) {
	case protocol.StartQuestionCmd:
		s.startQuestion(c.QuestionID, c.HasTimer)
	case protocol.PauseCmd:
		s.pause()
	case protocol.ShowSlideCmd:
		s.showSlide(c.Number)
	case protocol.CompleteRunCmd:
		s.completeRun()
	}
}

func (s *Session) startQuestion(questionID uint, hasTimer bool) {
	if s.run.Status == store.RunCompleted {
		s.sendHostError(protocol.CodeRunCompleted, "run is completed")
		return
	}

	q, err := s.st.Question(s.ctx, questionID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendHostError(protocol.CodeBadMessage, "unknown question")
		return
	}
	if err != nil {
		s.log.Error("load question", zap.Uint("question_id", questionID), zap.Error(err))
		return
	}
	translations, err := s.st.Translations(s.ctx, questionID)
	if err != nil {
		s.log.Error("load translations", zap.Uint("question_id", questionID), zap.Error(err))
		return
	}

	start := s.clock.Now()
	// Write-through first: a crash between storage and cache must never
	// leave the cache ahead of the row.
	if err := s.st.UpdateRunState(s.ctx, s.eventID, store.RunInProgress, &questionID, &start, hasTimer); err != nil {
		s.log.Error("persist question start", zap.Error(err))
		return
	}
	s.run.Status = store.RunInProgress
	s.run.ActiveQuestionID = &questionID
	s.run.QuestionStartTime = &start
	s.run.HasTimer = hasTimer

	byLanguage := make(map[uint]store.Translation, len(translations))
	for _, tr := range translations {
		byLanguage[tr.LanguageID] = tr
	}
	s.active = &activeQuestion{
		questionID:   questionID,
		seconds:      q.Seconds,
		hasTimer:     hasTimer,
		startTime:    start,
		translations: byLanguage,
	}

	// QUESTION_STARTED is language-specific: each channel gets only its
	// own translation.
	published := make(map[string]bool)
	for _, tc := range s.teams {
		if tc.languageID == 0 || published[tc.languageCode] {
			continue
		}
		published[tc.languageCode] = true
		tr, ok := byLanguage[tc.languageID]
		if !ok {
			s.log.Warn("no translation for language",
				zap.Uint("question_id", questionID), zap.String("language", tc.languageCode))
			continue
		}
		s.publish(ChannelKey(s.eventID, tc.languageCode), protocol.TypeQuestionStarted, protocol.QuestionStarted{
			QuestionID:  questionID,
			Translation: toWireTranslation(tr),
			StartTime:   start,
			Seconds:     q.Seconds,
			HasTimer:    hasTimer,
			GracePeriod: s.run.GracePeriod,
		})
	}

	for _, tc := range s.teams {
		if tc.languageID != 0 {
			s.replayAnswer(tc)
		}
	}
}

// pause withdraws the active question without ending the run. Explicit via
// the PAUSE command, implicit when the host disconnects.
func (s *Session) pause() {
	if s.active == nil && s.run.Status != store.RunInProgress {
		return
	}
	if err := s.st.UpdateRunState(s.ctx, s.eventID, store.RunPaused, nil, nil, s.run.HasTimer); err != nil {
		s.log.Error("persist pause", zap.Error(err))
		return
	}
	s.run.Status = store.RunPaused
	s.run.ActiveQuestionID = nil
	s.run.QuestionStartTime = nil
	s.active = nil
	s.publishAll(protocol.TypeQuestionEnded, nil)
}

func (s *Session) showSlide(number int) {
	slide, err := s.st.Slide(s.ctx, s.eventID, number)
	if errors.Is(err, store.ErrNotFound) {
		// Hosts may click ahead of content creation; a missing slide
		// never surfaces an error to teams.
		return
	}
	if err != nil {
		s.log.Error("load slide", zap.Int("number", number), zap.Error(err))
		return
	}
	s.publishAll(protocol.TypeSlideShown, protocol.SlideShown{
		Slide: protocol.Slide{Number: slide.Number, Title: slide.Title, Content: slide.Content},
	})
}

// completeRun is terminal: broadcast the scoreboard, then force-close every
// socket for the event.
func (s *Session) completeRun() {
	if err := s.st.UpdateRunState(s.ctx, s.eventID, store.RunCompleted, nil, nil, false); err != nil {
		s.log.Error("persist completion", zap.Error(err))
		return
	}
	s.run.Status = store.RunCompleted
	s.run.ActiveQuestionID = nil
	s.run.QuestionStartTime = nil
	s.active = nil

	scores, err := s.st.FinalScores(s.ctx, s.eventID)
	if err != nil {
		s.log.Error("load final scores", zap.Error(err))
	}
	wire := make([]protocol.TeamScore, 0, len(scores))
	for _, sc := range scores {
		wire = append(wire, protocol.TeamScore{TeamID: sc.TeamID, Name: sc.Name, Number: sc.Number, Points: sc.Points})
	}
	s.publishAll(protocol.TypeRunCompleted, protocol.RunCompleted{Scores: wire})

	s.closeAll()
}

// --- team commands --------------------------------------------------------

func (s *Session) applyTeamCommand(teamID uint, cmd protocol.TeamCommand) {
	tc, ok := s.teams[teamID]
	if !ok {
		return
	}
	switch c := cmd.(type) {
	case protocol.SelectLanguageCmd:
		s.selectLanguage(tc, c.LanguageID)
	case protocol.SubmitAnswerCmd:
		s.submitAnswer(tc, c.Answer)
	}
}

func (s *Session) selectLanguage(tc *teamConn, languageID uint) {
	if tc.selected {
		s.sendTeamError(tc, protocol.CodeLanguageAlreadySelected, "language already selected on this connection")
		return
	}
	// Switching an already-persisted language needs a fresh connection and
	// is only allowed before the run starts.
	if tc.languageID != 0 && s.run.Status != store.RunNotStarted {
		s.sendTeamError(tc, protocol.CodeLanguageLocked, "language can no longer be changed")
		return
	}

	code, err := s.languageCode(languageID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendTeamError(tc, protocol.CodeBadMessage, "unknown language")
		return
	}
	if err != nil {
		s.log.Error("load language", zap.Uint("language_id", languageID), zap.Error(err))
		return
	}
	if err := s.st.SetTeamLanguage(s.ctx, tc.id, languageID); err != nil {
		s.log.Error("persist team language", zap.Uint("team_id", tc.id), zap.Error(err))
		return
	}

	if tc.languageID != 0 {
		s.chans.Unsubscribe(ChannelKey(s.eventID, tc.languageCode), tc.id)
	}
	tc.languageID, tc.languageCode, tc.selected = languageID, code, true
	s.chans.Subscribe(ChannelKey(s.eventID, code), tc.id, tc.outbox)
	s.sendHost(protocol.TypeTeamReady, protocol.TeamEvent{TeamID: tc.id})
}

// submitAnswer is the answer intake path. Preconditions fail fast in order;
// each maps to a distinct error code sent to the submitting team only.
func (s *Session) submitAnswer(tc *teamConn, text string) {
	if tc.languageID == 0 {
		s.sendTeamError(tc, protocol.CodeNoLanguageSelected, "select a language first")
		return
	}
	if s.active == nil {
		s.sendTeamError(tc, protocol.CodeNoActiveQuestion, "no question is active")
		return
	}
	if s.active.hasTimer {
		window := time.Duration(s.active.seconds+s.run.GracePeriod) * time.Second
		if s.clock.Now().After(s.active.startTime.Add(window)) {
			s.sendTeamError(tc, protocol.CodeDeadlineExceeded, "answer window has closed")
			return
		}
	}
	tr, ok := s.active.translations[tc.languageID]
	if !ok {
		s.sendTeamError(tc, protocol.CodeTranslationNotFound, "no translation for your language")
		return
	}

	ans, err := s.st.UpsertAnswer(s.ctx, s.active.questionID, tc.id, tr.ID, text)
	if err != nil {
		s.log.Error("upsert answer",
			zap.Uint("team_id", tc.id), zap.Uint("question_id", s.active.questionID), zap.Error(err))
		return
	}
	s.sendTeam(tc, protocol.TypeYourAnswer, protocol.YourAnswer{AnswerID: ans.ID, Answer: ans.Text})
	// Content is not echoed to the host; graders fetch it separately.
	s.sendHost(protocol.TypeAnswerReceived, protocol.AnswerReceived{TeamID: tc.id})
}

// --- cache maintenance ----------------------------------------------------

// reloadRun re-reads the run row after a REST mutation. The invalidation
// hook replaces relying on the next socket event to notice staleness.
func (s *Session) reloadRun() {
	run, err := s.st.Run(s.ctx, s.eventID)
	if err != nil {
		s.log.Error("reload run", zap.Error(err))
		return
	}
	s.run = run
	if run.ActiveQuestionID == nil || run.QuestionStartTime == nil {
		s.active = nil
		return
	}
	if s.active != nil && s.active.questionID == *run.ActiveQuestionID {
		return
	}
	if err := s.loadActiveQuestion(*run.ActiveQuestionID, *run.QuestionStartTime, run.HasTimer); err != nil {
		s.log.Error("reload active question", zap.Error(err))
	}
}

func (s *Session) loadActiveQuestion(questionID uint, start time.Time, hasTimer bool) error {
	q, err := s.st.Question(s.ctx, questionID)
	if err != nil {
		return err
	}
	translations, err := s.st.Translations(s.ctx, questionID)
	if err != nil {
		return err
	}
	byLanguage := make(map[uint]store.Translation, len(translations))
	for _, tr := range translations {
		byLanguage[tr.LanguageID] = tr
	}
	s.active = &activeQuestion{
		questionID:   questionID,
		seconds:      q.Seconds,
		hasTimer:     hasTimer,
		startTime:    start,
		translations: byLanguage,
	}
	return nil
}

func (s *Session) languageCode(languageID uint) (string, error) {
	if code, ok := s.langCodes[languageID]; ok {
		return code, nil
	}
	lang, err := s.st.Language(s.ctx, languageID)
	if err != nil {
		return "", err
	}
	s.langCodes[languageID] = lang.Code
	return lang.Code, nil
}

func (s *Session) replayAnswer(tc *teamConn) {
	ans, err := s.st.TeamAnswer(s.ctx, s.active.questionID, tc.id)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Error("replay answer", zap.Uint("team_id", tc.id), zap.Error(err))
		return
	}
	s.sendTeam(tc, protocol.TypeYourAnswer, protocol.YourAnswer{AnswerID: ans.ID, Answer: ans.Text})
}

// --- delivery -------------------------------------------------------------

func (s *Session) encode(t protocol.Type, payload any) []byte {
	frame, err := protocol.Encode(t, uuid.NewString(), payload)
	if err != nil {
		s.log.Error("encode frame", zap.String("type", string(t)), zap.Error(err))
		return nil
	}
	return frame
}

func (s *Session) sendHost(t protocol.Type, payload any) {
	if s.host == nil {
		return
	}
	frame := s.encode(t, payload)
	if frame == nil {
		return
	}
	select {
	case s.host <- frame:
	default:
		// A host that cannot drain its outbox is as gone as a closed
		// socket: drop it and pause like any other host loss.
		s.log.Warn("dropping slow host connection")
		host := s.host
		s.host = nil
		close(host)
		s.pause()
	}
}

func (s *Session) sendHostError(code, message string) {
	s.sendHost(protocol.TypeError, protocol.Error{Code: code, Message: message})
}

func (s *Session) sendTeam(tc *teamConn, t protocol.Type, payload any) {
	frame := s.encode(t, payload)
	if frame == nil {
		return
	}
	select {
	case tc.outbox <- frame:
	default:
		s.log.Warn("dropping slow team connection", zap.Uint("team_id", tc.id))
		s.removeTeam(tc, true)
	}
}

func (s *Session) sendTeamError(tc *teamConn, code, message string) {
	s.sendTeam(tc, protocol.TypeError, protocol.Error{Code: code, Message: message})
}

// publish fans one frame out to a single language channel.
func (s *Session) publish(key string, t protocol.Type, payload any) {
	frame := s.encode(t, payload)
	if frame == nil {
		return
	}
	for _, teamID := range s.chans.Publish(key, frame) {
		if tc, ok := s.teams[teamID]; ok {
			s.log.Warn("dropping slow team connection", zap.Uint("team_id", teamID))
			s.removeTeam(tc, true)
		}
	}
}

// publishAll delivers the same logical message independently to every
// language channel; all channels are published before this returns.
func (s *Session) publishAll(t protocol.Type, payload any) {
	for _, code := range s.chans.Codes() {
		s.publish(ChannelKey(s.eventID, code), t, payload)
	}
}

func (s *Session) closeAll() {
	for _, tc := range s.teams {
		delete(s.teams, tc.id)
		if tc.languageID != 0 {
			s.chans.Unsubscribe(ChannelKey(s.eventID, tc.languageCode), tc.id)
		}
		close(tc.outbox)
	}
	if s.host != nil {
		close(s.host)
		s.host = nil
	}
}

func (s *Session) activeQuestionID() uint {
	if s.active == nil {
		return 0
	}
	return s.active.questionID
}

func toWireTranslation(tr store.Translation) protocol.Translation {
	return protocol.Translation{
		ID:            tr.ID,
		LanguageID:    tr.LanguageID,
		LanguageCode:  tr.LanguageCode,
		Prompt:        tr.Prompt,
		Clarification: tr.Clarification,
	}
}
