// Package ws upgrades live connections and pumps frames between the socket
// and the event's session actor. One reader loop and one writer goroutine
// per connection; the session is the only closer of outboxes, the writer is
// the only caller of conn.Write.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/quizwire/live-backend/internal/protocol"
	"github.com/quizwire/live-backend/internal/registry"
	"github.com/quizwire/live-backend/internal/session"
	"github.com/quizwire/live-backend/internal/store"
)

const (
	readTimeout  = 90 * time.Second
	writeTimeout = 5 * time.Second
)

const (
	// RoleHost drives the run; RoleTeam receives content and submits
	// answers.
	RoleHost = "host"
	RoleTeam = "team"
)

func Handler(reg *registry.Registry, auth store.Auth, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := r.URL.Query().Get("role")
		eventID, err := parseUint(r.URL.Query().Get("eventId"))
		if err != nil || eventID == 0 {
			http.Error(w, "missing or bad eventId", http.StatusBadRequest)
			return
		}

		// Authorization is checked before the upgrade so a rejected
		// connection is never half-open.
		var teamID uint
		switch role {
		case RoleHost:
			ok, err := auth.AuthorizeHost(r.Context(), r.URL.Query().Get("token"), eventID)
			if err != nil {
				http.Error(w, "authorization failed", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "not authorized to host this event", http.StatusForbidden)
				return
			}
		case RoleTeam:
			teamID, err = parseUint(r.URL.Query().Get("teamId"))
			if err != nil || teamID == 0 {
				http.Error(w, "missing or bad teamId", http.StatusBadRequest)
				return
			}
			ok, err := auth.TeamExists(r.Context(), teamID, eventID)
			if err != nil {
				http.Error(w, "authorization failed", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "unknown team for this event", http.StatusForbidden)
				return
			}
		default:
			http.Error(w, "role must be host or team", http.StatusBadRequest)
			return
		}

		sess, err := reg.Session(eventID)
		if err != nil {
			log.Error("ensure session", zap.Uint("event_id", eventID), zap.Error(err))
			http.Error(w, "event unavailable", http.StatusInternalServerError)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(16 << 10)

		out := make(session.Outbox, session.OutboxSize)
		joinErr := join(sess, role, teamID, out)
		// A session can be evicted between the lookup and the join; a
		// fresh lookup creates its replacement.
		for i := 0; errors.Is(joinErr, session.ErrSessionClosed) && i < 2; i++ {
			if sess, err = reg.Session(eventID); err != nil {
				joinErr = err
				break
			}
			joinErr = join(sess, role, teamID, out)
		}
		if joinErr != nil {
			// Writer not started yet, so a direct write is safe.
			frame, _ := protocol.Encode(protocol.TypeError, "", protocol.Error{
				Code: "CONNECTION_REJECTED", Message: joinErr.Error(),
			})
			wctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
			_ = conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			conn.Close(websocket.StatusPolicyViolation, joinErr.Error())
			return
		}
		defer func() {
			var leave session.Msg
			if role == RoleHost {
				leave = session.LeaveHost{Outbox: out}
			} else {
				leave = session.LeaveTeam{TeamID: teamID, Outbox: out}
			}
			select {
			case sess.Inbox() <- leave:
			case <-sess.Done():
			}
		}()

		// acks are written by the reader only; out is closed by the
		// session only. The writer is the sole owner of the socket's
		// write side.
		acks := make(chan []byte, session.OutboxSize)
		go writeLoop(r.Context(), conn, out, acks)

		readLoop(r, conn, sess, role, teamID, acks)
	}
}

// join registers the connection and waits for the session's verdict. An
// exited session is detected through Done instead of blocking on a reply
// that will never come.
func join(sess *session.Session, role string, teamID uint, out session.Outbox) error {
	reply := make(chan error, 1)
	var msg session.Msg
	if role == RoleHost {
		msg = session.JoinHost{Outbox: out, Reply: reply}
	} else {
		msg = session.JoinTeam{TeamID: teamID, Outbox: out, Reply: reply}
	}
	select {
	case sess.Inbox() <- msg:
	case <-sess.Done():
		return session.ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-sess.Done():
		// The verdict may have landed just before the exit.
		select {
		case err := <-reply:
			return err
		default:
			return session.ErrSessionClosed
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out session.Outbox, acks <-chan []byte) {
	write := func(frame []byte) bool {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, frame) == nil
	}
	for {
		select {
		case frame, ok := <-out:
			if !ok {
				// Session closed the outbox: drop, eviction or run
				// completion. Terminal either way.
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if !write(frame) {
				return
			}
		case frame := <-acks:
			if !write(frame) {
				return
			}
		}
	}
}

func readLoop(r *http.Request, conn *websocket.Conn, sess *session.Session, role string, teamID uint, acks chan<- []byte) {
	for {
		rctx, cancel := context.WithTimeout(r.Context(), readTimeout)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			sendAsync(acks, errorFrame(protocol.CodeBadMessage, "malformed frame"))
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			sendAsync(acks, ackFrame(env.ID))
			continue
		case protocol.TypeAck:
			// Server sends are fire-and-forget; nothing pending.
			continue
		}

		// Application frames are ACK-gated: acknowledge receipt, then
		// dispatch.
		if env.ID != "" {
			sendAsync(acks, ackFrame(env.ID))
		}

		var cmd session.Msg
		if role == RoleHost {
			decoded, err := protocol.DecodeHostCommand(env)
			if err != nil {
				sendAsync(acks, errorFrame(protocol.CodeBadMessage, err.Error()))
				continue
			}
			cmd = session.HostCmd{Cmd: decoded}
		} else {
			decoded, err := protocol.DecodeTeamCommand(env)
			if err != nil {
				sendAsync(acks, errorFrame(protocol.CodeBadMessage, err.Error()))
				continue
			}
			cmd = session.TeamCmd{TeamID: teamID, Cmd: decoded}
		}
		select {
		case sess.Inbox() <- cmd:
		case <-sess.Done():
			return
		}
	}
}

func ackFrame(id string) []byte {
	frame, _ := protocol.Encode(protocol.TypeAck, id, nil)
	return frame
}

func errorFrame(code, message string) []byte {
	frame, _ := protocol.Encode(protocol.TypeError, "", protocol.Error{Code: code, Message: message})
	return frame
}

// sendAsync drops the frame when the connection is too far behind; the
// client's ack timeout will reset the transport in that case.
func sendAsync(ch chan<- []byte, frame []byte) {
	select {
	case ch <- frame:
	default:
	}
}

func parseUint(s string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint(v), err
}
