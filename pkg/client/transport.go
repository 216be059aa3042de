// Package client implements the reconnecting, ack-gated transport used by
// host and team frontends. A message counts as delivered only once its ACK
// arrives; a missed ACK resets the whole transport rather than silently
// losing the message. Reconnection backs off exponentially while the network
// is up, waits passively while it is down, and gives up into a terminal
// error state after a bounded retry budget.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/quizwire/live-backend/internal/protocol"
)

type State string

const (
	StateInit       State = "init"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateOffline    State = "offline"
	StateError      State = "error"
)

const (
	DefaultMaxAttempts  = 5
	DefaultAckTimeout   = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// Backoff returns the delay before retry number attempt (1-based),
// min(1s·2^attempt, 30s).
func Backoff(attempt int) time.Duration {
	if attempt > 5 { // 2^5 s already exceeds the cap
		return 30 * time.Second
	}
	d := time.Second << attempt
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// Conn is the minimal socket surface the transport needs; production uses
// the websocket dialer, tests substitute pipes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Network reports whether the machine believes it has connectivity, with a
// change feed standing in for the browser's online/offline events. The
// zero default is "always online".
type Network interface {
	Online() bool
	Changes() <-chan bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool         { return true }
func (alwaysOnline) Changes() <-chan bool { return nil }

type Options struct {
	URL          string
	MaxAttempts  int
	AckTimeout   time.Duration
	PingInterval time.Duration
	Clock        clockwork.Clock
	Network      Network
	Dial         func(ctx context.Context, url string) (Conn, error)
	OnMessage    func(protocol.Envelope)
	OnState      func(State)
	Logger       *zap.Logger
}

type Transport struct {
	opts Options

	mu      sync.Mutex
	state   State
	conn    Conn
	pending map[string]chan bool

	reconnect chan struct{} // manual reconnect from the error state

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, opts Options) *Transport {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AckTimeout == 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Network == nil {
		opts.Network = alwaysOnline{}
	}
	if opts.Dial == nil {
		opts.Dial = dialWebsocket
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	t := &Transport{
		opts:      opts,
		state:     StateInit,
		pending:   make(map[string]chan bool),
		reconnect: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	go t.loop()
	return t
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reconnect restarts the retry cycle after the transport has given up.
// Only meaningful in the error state; a no-op otherwise.
func (t *Transport) Reconnect() {
	select {
	case t.reconnect <- struct{}{}:
	default:
	}
}

func (t *Transport) Close() {
	t.cancel()
	t.dropConn()
}

// Send delivers one application frame and waits (bounded) for its ACK.
// The outcome is a boolean, never an error: callers decide whether to retry
// or surface the failure.
func (t *Transport) Send(ctx context.Context, typ protocol.Type, payload any) bool {
	t.mu.Lock()
	conn := t.conn
	if t.state != StateConnected || conn == nil {
		t.mu.Unlock()
		return false
	}
	id := uuid.NewString()
	ch := make(chan bool, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	frame, err := protocol.Encode(typ, id, payload)
	if err != nil {
		t.unregister(id)
		return false
	}
	if err := conn.Write(ctx, frame); err != nil {
		t.unregister(id)
		t.reset(conn)
		return false
	}

	select {
	case ok := <-ch:
		return ok
	case <-t.opts.Clock.After(t.opts.AckTimeout):
		// No ACK in time means the connection is dead even if the OS
		// has not noticed; reset rather than lose messages silently.
		t.unregister(id)
		t.reset(conn)
		return false
	case <-ctx.Done():
		t.unregister(id)
		return false
	}
}

// --- connection lifecycle -------------------------------------------------

func (t *Transport) loop() {
	attempt := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.setState(StateConnecting)
		conn, err := t.opts.Dial(t.ctx, t.opts.URL)
		if err == nil {
			attempt = 0
			t.adopt(conn)
			t.serve(conn) // returns when the connection dies
			t.failPending()
		}
		if t.ctx.Err() != nil {
			return
		}

		if !t.opts.Network.Online() {
			// No point burning retries with no network; wait for the
			// online signal.
			t.setState(StateOffline)
			if !t.waitOnline() {
				return
			}
			continue
		}

		attempt++
		if attempt > t.opts.MaxAttempts {
			t.setState(StateError)
			if !t.waitReconnect() {
				return
			}
			attempt = 0
			continue
		}
		select {
		case <-t.opts.Clock.After(Backoff(attempt)):
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) adopt(conn Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.setState(StateConnected)
}

// serve pumps inbound frames and heartbeats until the connection errors.
func (t *Transport) serve(conn Conn) {
	done := make(chan struct{})
	defer close(done)

	go t.heartbeat(conn, done)

	for {
		data, err := conn.Read(t.ctx)
		if err != nil {
			t.reset(conn)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.opts.Logger.Warn("malformed inbound frame", zap.Error(err))
			continue
		}
		if env.Type == protocol.TypeAck {
			t.resolve(env.ID)
			continue
		}
		// Acknowledge before the handler runs so a slow handler cannot
		// starve the server of ACKs.
		if env.ID != "" {
			if frame, err := protocol.Encode(protocol.TypeAck, env.ID, nil); err == nil {
				_ = conn.Write(t.ctx, frame)
			}
		}
		if t.opts.OnMessage != nil {
			t.opts.OnMessage(env)
		}
	}
}

// heartbeat keeps intermediaries from idling the socket out; a missed ACK
// goes through the same reset path as any other delivery timeout.
func (t *Transport) heartbeat(conn Conn, done <-chan struct{}) {
	ticker := t.opts.Clock.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.Chan():
			t.Send(t.ctx, protocol.TypePing, nil)
		}
	}
}

// reset tears the given connection down and fails everything in flight.
// Guarded so a read error and an ack timeout racing each other reset once.
func (t *Transport) reset(conn Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()
	_ = conn.Close()
	t.failPending()
}

func (t *Transport) dropConn() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	t.failPending()
}

func (t *Transport) waitOnline() bool {
	changes := t.opts.Network.Changes()
	for {
		select {
		case <-t.ctx.Done():
			return false
		case online := <-changes:
			if online {
				return true
			}
		}
	}
}

func (t *Transport) waitReconnect() bool {
	select {
	case <-t.ctx.Done():
		return false
	case <-t.reconnect:
		return true
	}
}

// --- pending acks ---------------------------------------------------------

func (t *Transport) resolve(id string) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		ch <- true
	}
}

func (t *Transport) unregister(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) failPending() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan bool)
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- false
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed && t.opts.OnState != nil {
		t.opts.OnState(s)
	}
}

// --- websocket dialer -----------------------------------------------------

type wsConn struct{ conn *websocket.Conn }

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{conn: conn}, nil
}
