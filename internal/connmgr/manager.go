// Package connmgr owns the client's single event-channel connection: probing,
// dialing, backoff, intent replay and handler dispatch.
package connmgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Disconnected State = iota
	Probing
	Connecting
	Connected
	Reconnecting
	Offline
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Probing:
		return "PROBING"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Offline:
		return "OFFLINE"
	}
	return "UNKNOWN"
}

type Handler func(data json.RawMessage)

type Options struct {
	URL        string
	MaxRetries int
	Backoff    Backoff
	// Timeout bounds each probe and each dial.
	Timeout time.Duration
	Dialer  Dialer
	// Prober defaults to an HTTPProber against the URL's /healthz.
	Prober Prober
	Logger *zerolog.Logger
}

type slot struct {
	token uint64
	fn    Handler
}

// Manager is safe for concurrent use. One Manager per client process.
type Manager struct {
	opts Options
	log  zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	base     context.Context
	started  bool
	closed   bool
	state    State
	failures int
	gen      uint64
	timer    *time.Timer
	conn     Conn
	onState  *stateSlot
	handlers map[string]slot
	tokens   uint64

	userID string
	rooms  []string
}

type stateSlot struct {
	fn func(State)
}

func New(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2}
	}
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.Prober == nil {
		if u, err := HealthURL(opts.URL); err == nil {
			opts.Prober = HTTPProber{URL: u}
		}
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Manager{
		opts:     opts,
		log:      l.With().Str("component", "connmgr").Logger(),
		base:     context.Background(),
		handlers: make(map[string]slot),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange installs the single state listener and returns its disposer.
func (m *Manager) OnStateChange(fn func(State)) func() {
	s := &stateSlot{fn: fn}
	m.mu.Lock()
	m.onState = s
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		if m.onState == s {
			m.onState = nil
		}
		m.mu.Unlock()
	}
}

// On installs the handler for event, replacing any previous one. The returned
// disposer only removes this registration.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	m.tokens++
	tok := m.tokens
	m.handlers[event] = slot{token: tok, fn: h}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		if cur, ok := m.handlers[event]; ok && cur.token == tok {
			delete(m.handlers, event)
		}
		m.mu.Unlock()
	}
}

// Start begins connecting. The manager closes itself when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.base = ctx
	gen := m.gen
	m.mu.Unlock()

	context.AfterFunc(ctx, m.Close)
	go m.attempt(gen)
}

// Reconnect drops any pending retry and current connection, resets the
// failure count and tries again immediately.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.failures = 0
	old := m.conn
	m.conn = nil
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.log.Info().Msg("manual reconnect")
	go m.attempt(gen)
}

// Close tears the connection down for good.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	old := m.conn
	m.conn = nil
	notify := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	notify()
}

func (m *Manager) attempt(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	notify := m.setStateLocked(Probing)
	base := m.base
	m.mu.Unlock()
	notify()

	if m.opts.Prober != nil {
		ctx, cancel := context.WithTimeout(base, m.opts.Timeout)
		err := m.opts.Prober.Probe(ctx)
		cancel()
		if err != nil {
			m.fail(gen, "probe", err)
			return
		}
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	notify = m.setStateLocked(Connecting)
	m.mu.Unlock()
	notify()

	ctx, cancel := context.WithTimeout(base, m.opts.Timeout)
	conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)
	cancel()
	if err != nil {
		m.fail(gen, "dial", err)
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.failures = 0
	intents := m.intentsLocked()
	notify = m.setStateLocked(Connected)
	m.mu.Unlock()

	m.log.Info().Str("url", m.opts.URL).Int("replayed", len(intents)).Msg("connected")
	for _, env := range intents {
		if err := m.write(conn, env); err != nil {
			m.log.Warn().Err(err).Str("event", env.Event).Msg("intent replay failed")
		}
	}
	notify()
	go m.readLoop(base, gen, conn)
}

// fail counts one failed connection attempt and either schedules the next
// one or gives up.
func (m *Manager) fail(gen uint64, stage string, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.failures++
	if m.failures >= m.opts.MaxRetries {
		m.stopTimerLocked()
		notify := m.setStateLocked(Offline)
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("stage", stage).Int("failures", m.failures).Msg("giving up, offline")
		notify()
		return
	}
	delay := m.opts.Backoff.Delay(m.failures - 1)
	m.scheduleLocked(delay)
	notify := m.setStateLocked(Reconnecting)
	failures := m.failures
	m.mu.Unlock()
	m.log.Debug().Err(err).Str("stage", stage).Int("failures", failures).Dur("delay", delay).Msg("retry scheduled")
	notify()
}

// lost handles a drop of an established connection.
func (m *Manager) lost(gen uint64, conn Conn, err error) {
	_ = conn.Close()
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	delay := m.opts.Backoff.Delay(0)
	m.scheduleLocked(delay)
	notify := m.setStateLocked(Reconnecting)
	m.mu.Unlock()
	m.log.Info().Err(err).Dur("delay", delay).Msg("connection lost")
	notify()
}

func (m *Manager) scheduleLocked(d time.Duration) {
	m.stopTimerLocked()
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.attempt(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) retryPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	if m.onState == nil {
		return func() {}
	}
	fn := m.onState.fn
	return func() { fn(s) }
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			m.lost(gen, conn, err)
			return
		}
		m.mu.Lock()
		h := m.handlers[env.Event].fn
		m.mu.Unlock()
		if h != nil {
			h(env.Data)
		}
	}
}

func (m *Manager) write(conn Conn, env protocol.Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	return conn.Write(ctx, env)
}

func (m *Manager) intentsLocked() []protocol.Envelope {
	var out []protocol.Envelope
	if m.userID != "" {
		if env, err := protocol.NewEnvelope(protocol.RegisterUser, m.userID); err == nil {
			out = append(out, env)
		}
	}
	for _, room := range m.rooms {
		if env, err := protocol.NewEnvelope(protocol.JoinConversation, room); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// Emit sends one event on the live connection. When not connected the event
// is dropped and logged; it reports whether the write happened.
func (m *Manager) Emit(event string, data any) bool {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		m.log.Error().Err(err).Str("event", event).Msg("encode event")
		return false
	}
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if conn == nil || state != Connected {
		m.log.Debug().Str("event", event).Stringer("state", state).Msg("not connected, event dropped")
		return false
	}
	if err := m.write(conn, env); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("emit failed")
		return false
	}
	return true
}

// RegisterUser is remembered and replayed on every connect.
func (m *Manager) RegisterUser(userID string) bool {
	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()
	return m.Emit(protocol.RegisterUser, userID)
}

// JoinConversation is remembered and replayed on every connect.
func (m *Manager) JoinConversation(convID string) bool {
	m.mu.Lock()
	found := false
	for _, r := range m.rooms {
		if r == convID {
			found = true
			break
		}
	}
	if !found {
		m.rooms = append(m.rooms, convID)
	}
	m.mu.Unlock()
	return m.Emit(protocol.JoinConversation, convID)
}

func (m *Manager) LeaveConversation(convID string) bool {
	m.mu.Lock()
	for i, r := range m.rooms {
		if r == convID {
			m.rooms = append(m.rooms[:i], m.rooms[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return m.Emit(protocol.LeaveConversation, convID)
}

func (m *Manager) SendMessage(msg protocol.Message) bool {
	return m.Emit(protocol.SendMessage, msg)
}

func (m *Manager) Typing(p protocol.TypingPayload) bool {
	return m.Emit(protocol.Typing, p)
}

func (m *Manager) StopTyping(p protocol.TypingPayload) bool {
	return m.Emit(protocol.StopTyping, p)
}

func (m *Manager) MarkAsRead(p protocol.ReadPayload) bool {
	return m.Emit(protocol.MarkAsRead, p)
}
