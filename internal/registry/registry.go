// Package registry owns the map of live event sessions. A single actor
// goroutine serializes creation, lookup and eviction, so no lock guards the
// map; per-event work happens inside each session's own goroutine.
package registry

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/quizwire/live-backend/internal/session"
	"github.com/quizwire/live-backend/internal/store"
)

// ErrRegistryClosed answers lookups that arrive after shutdown; the loop is
// gone, so blocking on the inbox would never return.
var ErrRegistryClosed = errors.New("registry shut down")

type Msg interface{ isRegistryMsg() }

// Ensure gets the session for an event, creating it lazily on the first
// connection.
type Ensure struct {
	EventID uint
	Reply   chan Result
}

// Get looks a session up without creating one. Reply may receive nil.
type Get struct {
	EventID uint
	Reply   chan *session.Session
}

// Invalidate tells a live session its run row changed via REST. No-op when
// the event has no connections.
type Invalidate struct{ EventID uint }

// Idle is sent by a session the moment it has no connections left. The
// registry confirms with the session before evicting, so a join racing the
// notification keeps the session alive.
type Idle struct {
	EventID uint
	Sess    *session.Session
}

type Shutdown struct{}

func (Ensure) isRegistryMsg()     {}
func (Get) isRegistryMsg()        {}
func (Invalidate) isRegistryMsg() {}
func (Idle) isRegistryMsg()       {}
func (Shutdown) isRegistryMsg()   {}

type Result struct {
	Sess *session.Session
	Err  error
}

type Registry struct {
	inbox    chan Msg
	sessions map[uint]*session.Session
	st       store.Store
	log      *zap.Logger
	clock    clockwork.Clock
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, st store.Store, log *zap.Logger, clock clockwork.Clock) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:    make(chan Msg, 64),
		sessions: make(map[uint]*session.Session),
		st:       st,
		log:      log,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Ensure:
				sess := r.sessions[msg.EventID]
				if sess != nil {
					select {
					case <-sess.Done():
						// Exited but not yet evicted; replace it so a
						// retrying join lands on a live session.
						delete(r.sessions, msg.EventID)
						sess = nil
					default:
					}
				}
				if sess == nil {
					var err error
					sess, err = session.New(r.ctx, msg.EventID, r.st, r.log, r.clock, r.notifyIdle)
					if err != nil {
						r.log.Error("create session", zap.Uint("event_id", msg.EventID), zap.Error(err))
						msg.Reply <- Result{Err: err}
						break
					}
					r.sessions[msg.EventID] = sess
				}
				msg.Reply <- Result{Sess: sess}

			case Get:
				msg.Reply <- r.sessions[msg.EventID]

			case Invalidate:
				if sess := r.sessions[msg.EventID]; sess != nil {
					sess.Inbox() <- session.RunInvalidated{}
				}

			case Idle:
				sess := r.sessions[msg.EventID]
				if sess == nil || sess != msg.Sess {
					break // already evicted or replaced
				}
				reply := make(chan bool, 1)
				sess.Inbox() <- session.ConfirmIdle{Reply: reply}
				select {
				case ok := <-reply:
					if ok {
						delete(r.sessions, msg.EventID)
					}
				case <-sess.Done():
					delete(r.sessions, msg.EventID)
				}

			case Shutdown:
				for _, sess := range r.sessions {
					sess.Inbox() <- session.Shutdown{}
				}
				clear(r.sessions)
				r.cancel()
				return
			}
		}
	}
}

// notifyIdle runs on a session goroutine; the send happens on a fresh
// goroutine so a session can never block on its own registry.
func (r *Registry) notifyIdle(sess *session.Session) {
	go func() {
		select {
		case r.inbox <- Idle{EventID: sess.EventID(), Sess: sess}:
		case <-r.ctx.Done():
		}
	}()
}

// Session is the handler-facing lookup: get or lazily create the session
// for an event.
func (r *Registry) Session(eventID uint) (*session.Session, error) {
	reply := make(chan Result, 1)
	select {
	case r.inbox <- Ensure{EventID: eventID, Reply: reply}:
	case <-r.ctx.Done():
		return nil, ErrRegistryClosed
	}
	select {
	case res := <-reply:
		return res.Sess, res.Err
	case <-r.ctx.Done():
		// The answer may have landed just before shutdown.
		select {
		case res := <-reply:
			return res.Sess, res.Err
		default:
			return nil, ErrRegistryClosed
		}
	}
}

// InvalidateRun is the REST-side hook: any mutation of a run row calls this
// so a live session reloads instead of serving a stale cache.
func (r *Registry) InvalidateRun(eventID uint) {
	select {
	case r.inbox <- Invalidate{EventID: eventID}:
	case <-r.ctx.Done():
	}
}
