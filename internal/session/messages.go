package session

import (
	"errors"

	"github.com/quizwire/live-backend/internal/protocol"
)

var (
	ErrHostAlreadyConnected = errors.New("a host is already connected for this event")

	// ErrSessionClosed answers a join that reached a session after it
	// exited; callers retry against a fresh registry lookup.
	ErrSessionClosed = errors.New("session closed")
)

// Outbox carries encoded frames to one connection's writer goroutine.
// Closing it tells the writer to close the underlying socket.
type Outbox chan []byte

type Msg interface{ isSessionMsg() }

// JoinHost registers the (single) host connection. Reply receives
// ErrHostAlreadyConnected when a host is already registered.
type JoinHost struct {
	Outbox Outbox
	Reply  chan error
}

// LeaveHost is identified by outbox so a stale leave cannot evict a newer
// host connection.
type LeaveHost struct{ Outbox Outbox }

// JoinTeam registers a team connection. A second connection for the same
// team closes the first (last-connection-wins).
type JoinTeam struct {
	TeamID uint
	Outbox Outbox
	Reply  chan error
}

type LeaveTeam struct {
	TeamID uint
	Outbox Outbox
}

// HostCmd carries one decoded host command into the session loop.
type HostCmd struct{ Cmd protocol.HostCommand }

// TeamCmd carries one decoded team command into the session loop.
type TeamCmd struct {
	TeamID uint
	Cmd    protocol.TeamCommand
}

// RunInvalidated tells the session its cached run is stale; sent by the
// registry when a REST mutation touches the run row.
type RunInvalidated struct{}

// ConfirmIdle is the registry's eviction handshake: the session replies true
// and stops only if it still has no connections.
type ConfirmIdle struct{ Reply chan bool }

type Shutdown struct{}

// GetView reflects internal state without data races; test-only.
type GetView struct{ Reply chan View }

func (JoinHost) isSessionMsg()       {}
func (LeaveHost) isSessionMsg()      {}
func (JoinTeam) isSessionMsg()       {}
func (LeaveTeam) isSessionMsg()      {}
func (HostCmd) isSessionMsg()        {}
func (TeamCmd) isSessionMsg()        {}
func (RunInvalidated) isSessionMsg() {}
func (ConfirmIdle) isSessionMsg()    {}
func (Shutdown) isSessionMsg()       {}
func (GetView) isSessionMsg()        {}

// View is a race-free copy of the bits tests assert on.
type View struct {
	Status           string
	ActiveQuestionID uint
	HostConnected    bool
	NumTeams         int
	ChannelCodes     []string
}
