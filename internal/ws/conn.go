package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Session is one live transport connection. userID and rooms are guarded by
// the owning Router's mutex.
type Session struct {
	id       string
	authUser string
	send     chan []byte
	limiter  *rate.Limiter

	userID string
	rooms  map[string]struct{}

	closeOnce sync.Once
}

func (s *Session) ID() string { return s.id }

// Send exposes the outbound frame queue; it is closed on disconnect.
func (s *Session) Send() <-chan []byte { return s.send }

func (s *Session) closeSend() {
	s.closeOnce.Do(func() { close(s.send) })
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades the request and pumps frames between conn and the router
// until either side goes away. userID is the authenticated caller.
func Serve(rt *Router, w http.ResponseWriter, req *http.Request, userID string, readLimit int64) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade")
		return
	}
	s := rt.NewSession(userID)
	log.Info().Str("session_id", s.id).Str("user_id", userID).Msg("session opened")

	go writePump(conn, s)
	readPump(conn, rt, s, readLimit)
}

func readPump(conn *websocket.Conn, rt *Router, s *Session, readLimit int64) {
	defer func() {
		rt.Disconnect(s)
		_ = conn.Close()
		log.Info().Str("session_id", s.id).Msg("session closed")
	}()
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("session_id", s.id).Msg("read")
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue
		}
		rt.Dispatch(s, env)
	}
}

func writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
