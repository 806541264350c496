package connmgr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Conn is one established event channel.
type Conn interface {
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Prober is the cheap reachability check run before each dial.
type Prober interface {
	Probe(ctx context.Context) error
}

// WSDialer dials the event server with nhooyr.io/websocket.
type WSDialer struct {
	Header    http.Header
	ReadLimit int64
}

func (d WSDialer) Dial(ctx context.Context, u string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := wsjson.Read(ctx, w.c, &env)
	return env, err
}

func (w *wsConn) Write(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, w.c, env)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}

// HTTPProber issues a GET against the event server's health endpoint.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// HealthURL maps ws(s)://host/ws to http(s)://host/healthz.
func HealthURL(eventURL string) (string, error) {
	u, err := url.Parse(eventURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}
