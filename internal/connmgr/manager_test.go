package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in        chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan protocol.Envelope, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.done:
		return protocol.Envelope{}, io.EOF
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, env protocol.Envelope) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, e := range c.written {
		out[i] = e.Event
	}
	return out
}

type fakeDialer struct {
	fail  atomic.Bool
	dials atomic.Int32

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, errRefused
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeProber struct {
	fail   atomic.Bool
	probes atomic.Int32
}

func (p *fakeProber) Probe(context.Context) error {
	p.probes.Add(1)
	if p.fail.Load() {
		return errRefused
	}
	return nil
}

func newTestManager(t *testing.T, d *fakeDialer, p *fakeProber, base time.Duration) *Manager {
	t.Helper()
	nop := zerolog.Nop()
	m := New(Options{
		URL:        "ws://chat.test/ws",
		MaxRetries: 3,
		Backoff:    Backoff{Base: base, Max: 4 * base},
		Timeout:    time.Second,
		Dialer:     d,
		Prober:     p,
		Logger:     &nop,
	})
	t.Cleanup(m.Close)
	return m
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, time.Millisecond,
		"state %s never reached, at %s", want, m.State())
}

func TestManager_OfflineAfterMaxRetries(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := newTestManager(t, d, &fakeProber{}, time.Millisecond)

	m.Start(context.Background())
	waitState(t, m, Offline)

	assert.Equal(t, int32(3), d.dials.Load())
	assert.False(t, m.retryPending(), "no retry may be scheduled once offline")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), d.dials.Load(), "offline manager kept dialing")
	assert.Equal(t, Offline, m.State())

	d.fail.Store(false)
	m.Reconnect()
	waitState(t, m, Connected)
}

func TestManager_ProbeFailureSkipsDial(t *testing.T) {
	d := &fakeDialer{}
	p := &fakeProber{}
	p.fail.Store(true)
	m := newTestManager(t, d, p, time.Millisecond)

	var mu sync.Mutex
	var seen []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	m.Start(context.Background())
	waitState(t, m, Offline)

	assert.Equal(t, int32(0), d.dials.Load())
	assert.Equal(t, int32(3), p.probes.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, Reconnecting)
	assert.NotContains(t, seen, Connecting)
}

func TestManager_ReconnectCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := newTestManager(t, d, &fakeProber{}, time.Hour)

	m.Start(context.Background())
	waitState(t, m, Reconnecting)
	require.True(t, m.retryPending())

	d.fail.Store(false)
	m.Reconnect()
	waitState(t, m, Connected)
	assert.False(t, m.retryPending())
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestManager_ReplaysIntentsOnEveryConnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, &fakeProber{}, time.Millisecond)

	assert.False(t, m.RegisterUser("alice"), "nothing is sent while disconnected")
	m.JoinConversation("c1")
	m.JoinConversation("c2")
	m.JoinConversation("c1")
	m.LeaveConversation("c2")
	assert.False(t, m.Typing(protocol.TypingPayload{ConversationID: "c1"}))

	m.Start(context.Background())
	waitState(t, m, Connected)
	first := d.last()
	require.Eventually(t, func() bool { return len(first.events()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{protocol.RegisterUser, protocol.JoinConversation}, first.events())
	assert.Equal(t, json.RawMessage(`"c1"`), first.written[1].Data)

	// server side drop
	first.Close()
	require.Eventually(t, func() bool {
		c := d.last()
		return c != first && m.State() == Connected && len(c.events()) == 2
	}, 2*time.Second, time.Millisecond)

	assert.True(t, m.SendMessage(protocol.Message{ID: "m1", ConversationID: "c1"}))
	assert.Equal(t, []string{protocol.RegisterUser, protocol.JoinConversation, protocol.SendMessage}, d.last().events())
}

func TestManager_HandlersAreSingleSlot(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, &fakeProber{}, time.Millisecond)

	var first, second atomic.Int32
	disposeFirst := m.On(protocol.ReceiveMessage, func(json.RawMessage) { first.Add(1) })
	disposeSecond := m.On(protocol.ReceiveMessage, func(json.RawMessage) { second.Add(1) })
	disposeFirst()

	m.Start(context.Background())
	waitState(t, m, Connected)
	conn := d.last()

	conn.in <- protocol.Envelope{Event: protocol.ReceiveMessage, Data: json.RawMessage(`{}`)}
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced handler must not fire")

	disposeSecond()
	conn.in <- protocol.Envelope{Event: protocol.ReceiveMessage, Data: json.RawMessage(`{}`)}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), second.Load())
}

func TestManager_CloseStopsEverything(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	m := newTestManager(t, d, &fakeProber{}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	waitState(t, m, Reconnecting)

	cancel()
	waitState(t, m, Disconnected)
	assert.False(t, m.retryPending())

	m.Reconnect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, Disconnected, m.State(), "closed manager stays closed")
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	j := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := j.Delay(2)
		if d < 200*time.Millisecond || d > 400*time.Millisecond {
			t.Fatalf("jittered Delay(2) = %v, want within [200ms, 400ms]", d)
		}
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ws://localhost:8080/ws", "http://localhost:8080/healthz", false},
		{"wss://chat.example.com/ws?token=abc", "https://chat.example.com/healthz", false},
		{"ftp://x/ws", "", true},
	}
	for _, tt := range tests {
		got, err := HealthURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("HealthURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("HealthURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := HTTPProber{URL: srv.URL + "/healthz"}
	require.NoError(t, p.Probe(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, p.Probe(context.Background()))

	srv.Close()
	assert.Error(t, p.Probe(context.Background()))
}
