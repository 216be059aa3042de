package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quizwire/live-backend/internal/session"
	"github.com/quizwire/live-backend/internal/store"
)

// nullStore returns defaults for everything; enough for lifecycle tests.
type nullStore struct {
	mu  sync.Mutex
	run store.Run
}

func (n *nullStore) setRun(run store.Run) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.run = run
}

func (n *nullStore) Run(ctx context.Context, eventID uint) (store.Run, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.EventID == 0 {
		return store.Run{}, store.ErrNotFound
	}
	return n.run, nil
}

func (n *nullStore) SetRunStatus(ctx context.Context, eventID uint, status store.RunStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.run.Status = status
	return nil
}

func (n *nullStore) SetRunGrace(ctx context.Context, eventID uint, seconds int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.run.GracePeriod = seconds
	return nil
}

func (n *nullStore) UpdateRunState(ctx context.Context, eventID uint, status store.RunStatus, questionID *uint, startTime *time.Time, hasTimer bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.run.Status = status
	return nil
}

func (n *nullStore) Question(ctx context.Context, questionID uint) (store.Question, error) {
	return store.Question{}, store.ErrNotFound
}

func (n *nullStore) Translations(ctx context.Context, questionID uint) ([]store.Translation, error) {
	return nil, nil
}

func (n *nullStore) Teams(ctx context.Context, eventID uint) ([]store.Team, error) {
	return nil, nil
}

func (n *nullStore) SetTeamLanguage(ctx context.Context, teamID, languageID uint) error {
	return nil
}

func (n *nullStore) Language(ctx context.Context, languageID uint) (store.Language, error) {
	return store.Language{}, store.ErrNotFound
}

func (n *nullStore) Slide(ctx context.Context, eventID uint, number int) (store.Slide, error) {
	return store.Slide{}, store.ErrNotFound
}

func (n *nullStore) UpsertAnswer(ctx context.Context, questionID, teamID, translationID uint, text string) (store.Answer, error) {
	return store.Answer{}, nil
}

func (n *nullStore) TeamAnswer(ctx context.Context, questionID, teamID uint) (store.Answer, error) {
	return store.Answer{}, store.ErrNotFound
}

func (n *nullStore) FinalScores(ctx context.Context, eventID uint) ([]store.TeamScore, error) {
	return nil, nil
}

func lookup(r *Registry, eventID uint) *session.Session {
	reply := make(chan *session.Session, 1)
	r.Inbox() <- Get{EventID: eventID, Reply: reply}
	return <-reply
}

func TestRegistry_EnsureReturnsSamePointer(t *testing.T) {
	r := New(context.Background(), &nullStore{}, zap.NewNop(), clockwork.NewRealClock())
	defer func() { r.Inbox() <- Shutdown{} }()

	s1, err := r.Session(7)
	require.NoError(t, err)
	s2, err := r.Session(7)
	require.NoError(t, err)
	require.Same(t, s1, s2)

	other, err := r.Session(8)
	require.NoError(t, err)
	require.NotSame(t, s1, other)
}

func TestRegistry_EvictsSessionWhenLastConnectionLeaves(t *testing.T) {
	r := New(context.Background(), &nullStore{}, zap.NewNop(), clockwork.NewRealClock())
	defer func() { r.Inbox() <- Shutdown{} }()

	sess, err := r.Session(7)
	require.NoError(t, err)

	out := make(session.Outbox, session.OutboxSize)
	reply := make(chan error, 1)
	sess.Inbox() <- session.JoinTeam{TeamID: 1, Outbox: out, Reply: reply}
	require.NoError(t, <-reply)

	sess.Inbox() <- session.LeaveTeam{TeamID: 1, Outbox: out}

	require.Eventually(t, func() bool {
		return lookup(r, 7) == nil
	}, time.Second, 10*time.Millisecond, "empty session should be evicted")
}

func TestRegistry_JoinDuringIdleNotificationKeepsSession(t *testing.T) {
	r := New(context.Background(), &nullStore{}, zap.NewNop(), clockwork.NewRealClock())
	defer func() { r.Inbox() <- Shutdown{} }()

	sess, err := r.Session(7)
	require.NoError(t, err)

	out := make(session.Outbox, session.OutboxSize)
	reply := make(chan error, 1)
	sess.Inbox() <- session.JoinTeam{TeamID: 1, Outbox: out, Reply: reply}
	require.NoError(t, <-reply)

	// Leave and immediately rejoin: the ConfirmIdle handshake must see
	// the new connection and keep the session alive.
	sess.Inbox() <- session.LeaveTeam{TeamID: 1, Outbox: out}
	out2 := make(session.Outbox, session.OutboxSize)
	sess.Inbox() <- session.JoinTeam{TeamID: 1, Outbox: out2, Reply: reply}
	require.NoError(t, <-reply)

	time.Sleep(50 * time.Millisecond) // let the idle notification settle
	require.Same(t, sess, lookup(r, 7))
}

func TestRegistry_InvalidateReloadsRunCache(t *testing.T) {
	st := &nullStore{}
	st.setRun(store.Run{EventID: 7, Status: store.RunNotStarted})
	r := New(context.Background(), st, zap.NewNop(), clockwork.NewRealClock())
	defer func() { r.Inbox() <- Shutdown{} }()

	sess, err := r.Session(7)
	require.NoError(t, err)

	// Keep the session alive so eviction does not race the assertion.
	out := make(session.Outbox, session.OutboxSize)
	reply := make(chan error, 1)
	sess.Inbox() <- session.JoinTeam{TeamID: 1, Outbox: out, Reply: reply}
	require.NoError(t, <-reply)

	st.setRun(store.Run{EventID: 7, Status: store.RunInProgress})
	r.InvalidateRun(7)

	require.Eventually(t, func() bool {
		view := make(chan session.View, 1)
		sess.Inbox() <- session.GetView{Reply: view}
		return (<-view).Status == string(store.RunInProgress)
	}, time.Second, 10*time.Millisecond)
}

func TestRegistry_ShutdownUnblocksCallers(t *testing.T) {
	r := New(context.Background(), &nullStore{}, zap.NewNop(), clockwork.NewRealClock())

	r.Inbox() <- Shutdown{}

	_, err := r.Session(7)
	require.ErrorIs(t, err, ErrRegistryClosed)

	// Must keep returning well past the inbox buffer size.
	for i := 0; i < 100; i++ {
		r.InvalidateRun(7)
	}
	_, err = r.Session(7)
	require.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistry_EnsureReplacesExitedSession(t *testing.T) {
	r := New(context.Background(), &nullStore{}, zap.NewNop(), clockwork.NewRealClock())
	defer func() { r.Inbox() <- Shutdown{} }()

	s1, err := r.Session(7)
	require.NoError(t, err)

	s1.Inbox() <- session.Shutdown{}
	select {
	case <-s1.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not exit")
	}

	s2, err := r.Session(7)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
}

func TestRegistry_InvalidateWithoutSessionIsNoop(t *testing.T) {
	r := New(context.Background(), &nullStore{}, zap.NewNop(), clockwork.NewRealClock())
	defer func() { r.Inbox() <- Shutdown{} }()

	r.InvalidateRun(99)
	require.Nil(t, lookup(r, 99))
}
