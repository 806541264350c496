package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/metrics"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// PresenceScope selects who hears user-status-change events.
type PresenceScope string

const (
	// ScopeShared notifies sessions that share a room with the user, plus the
	// sessions of users that share a conversation with them.
	ScopeShared PresenceScope = "shared"
	// ScopeAll notifies every connected session.
	ScopeAll PresenceScope = "all"
)

// PeerDirectory lists users that share a conversation with userID.
type PeerDirectory interface {
	PeerIDs(ctx context.Context, userID string) ([]string, error)
}

type Options struct {
	SendBuffer int
	Scope      PresenceScope
	// AckSends emits message-sent to the sender after a send-message relay.
	AckSends bool
	// EventRate and EventBurst bound inbound events per session.
	EventRate  rate.Limit
	EventBurst int
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Scope == "" {
		o.Scope = ScopeShared
	}
	if o.EventRate == 0 {
		o.EventRate = rate.Every(time.Second / 50)
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 100
	}
	return o
}

// Router tracks sessions, the users behind them and the conversation rooms
// they joined, and relays events between them. Delivery is best effort: a
// session whose buffer is full misses the event.
type Router struct {
	opts  Options
	peers PeerDirectory

	mu       sync.RWMutex
	sessions map[string]*Session
	users    map[string]map[string]*Session
	rooms    map[string]map[string]*Session
}

func NewRouter(opts Options) *Router {
	return &Router{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
		users:    make(map[string]map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// SetPeerDirectory wires the conversation lookup used for presence fan-out.
func (r *Router) SetPeerDirectory(p PeerDirectory) {
	r.mu.Lock()
	r.peers = p
	r.mu.Unlock()
}

// NewSession attaches a transport session. authUserID, when set, is the only
// identity the session may register as.
func (r *Router) NewSession(authUserID string) *Session {
	s := &Session{
		id:       uuid.NewString(),
		authUser: authUserID,
		send:     make(chan []byte, r.opts.SendBuffer),
		rooms:    make(map[string]struct{}),
		limiter:  rate.NewLimiter(r.opts.EventRate, r.opts.EventBurst),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	metrics.WsSessions.Inc()
	return s
}

// RegisterUser associates s with userID. The first session of a user
// announces them online.
func (r *Router) RegisterUser(s *Session, userID string) {
	if userID == "" {
		return
	}
	if s.authUser != "" && s.authUser != userID {
		log.Warn().Str("session_id", s.id).Str("user_id", userID).Msg("register-user identity mismatch")
		return
	}
	var peers []string
	if !r.IsOnline(userID) {
		peers = r.peerIDs(userID)
	}

	r.mu.Lock()
	if _, live := r.sessions[s.id]; !live || s.userID == userID {
		r.mu.Unlock()
		return
	}
	var offline []byte
	var offlineAudience []*Session
	if prev := s.userID; prev != "" {
		// re-association under a new identity; peers of the old one are not looked up here
		if audience, last := r.detachUserLocked(s, prev, nil); last {
			offlineAudience = audience
			offline, _ = protocol.Encode(protocol.UserStatusChange, protocol.StatusPayload{UserID: prev})
		}
	}
	set := r.users[userID]
	firstSession := len(set) == 0
	if set == nil {
		set = make(map[string]*Session)
		r.users[userID] = set
	}
	set[s.id] = s
	s.userID = userID
	if offline != nil {
		r.deliverAllLocked(offlineAudience, protocol.UserStatusChange, offline)
	}
	if firstSession {
		metrics.OnlineUsers.Inc()
		frame, err := protocol.Encode(protocol.UserStatusChange, protocol.StatusPayload{UserID: userID, IsOnline: true})
		if err == nil {
			r.deliverAllLocked(r.presenceAudienceLocked(userID, peers), protocol.UserStatusChange, frame)
		}
	}
	r.mu.Unlock()
	log.Debug().Str("session_id", s.id).Str("user_id", userID).Msg("user registered")
}

// JoinConversation adds s to the conversation room. Authorization is enforced
// by the message store, not here.
func (r *Router) JoinConversation(s *Session, convID string) {
	if convID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.sessions[s.id]; !live {
		return
	}
	room := r.rooms[convID]
	if room == nil {
		room = make(map[string]*Session)
		r.rooms[convID] = room
	}
	room[s.id] = s
	s.rooms[convID] = struct{}{}
}

func (r *Router) LeaveConversation(s *Session, convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(s, convID)
}

func (r *Router) leaveLocked(s *Session, convID string) {
	delete(s.rooms, convID)
	room := r.rooms[convID]
	if room == nil {
		return
	}
	delete(room, s.id)
	if len(room) == 0 {
		delete(r.rooms, convID)
	}
}

// SendMessage relays an already persisted message to the other sessions of
// its room. The sender's own session is skipped; it holds the message locally.
func (r *Router) SendMessage(s *Session, msg protocol.Message) int {
	frame, err := protocol.Encode(protocol.ReceiveMessage, msg)
	if err != nil {
		return 0
	}
	n := r.relay(s, msg.ConversationID, protocol.ReceiveMessage, frame)
	if r.opts.AckSends {
		ack, err := protocol.Encode(protocol.MessageSent, protocol.SentAck{ID: msg.ID, ConversationID: msg.ConversationID, Delivered: n})
		if err == nil {
			r.mu.RLock()
			if _, live := r.sessions[s.id]; live {
				r.deliverLocked(s, protocol.MessageSent, ack)
			}
			r.mu.RUnlock()
		}
	}
	return n
}

// MarkAsRead relays a read receipt; the persistent watermark is updated by
// the message store over HTTP.
func (r *Router) MarkAsRead(s *Session, p protocol.ReadPayload) int {
	return r.relayPayload(s, p.ConversationID, protocol.MessagesRead, p)
}

func (r *Router) Typing(s *Session, p protocol.TypingPayload) int {
	return r.relayPayload(s, p.ConversationID, protocol.UserTyping, p)
}

func (r *Router) StopTyping(s *Session, p protocol.TypingPayload) int {
	return r.relayPayload(s, p.ConversationID, protocol.UserStopTyping, p)
}

func (r *Router) relayPayload(s *Session, convID, event string, payload any) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return 0
	}
	return r.relay(s, convID, event, frame)
}

// relay delivers frame to every session joined to convID except from.
func (r *Router) relay(from *Session, convID, event string, frame []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id, target := range r.rooms[convID] {
		if from != nil && id == from.id {
			continue
		}
		if r.deliverLocked(target, event, frame) {
			n++
		}
	}
	return n
}

// Disconnect removes s from every room and from its user. When the user has
// no session left, the audience learns they went offline.
func (r *Router) Disconnect(s *Session) {
	var peers []string
	r.mu.RLock()
	userID := s.userID
	lastSession := userID != "" && len(r.users[userID]) == 1
	r.mu.RUnlock()
	if lastSession {
		peers = r.peerIDs(userID)
	}

	r.mu.Lock()
	if _, live := r.sessions[s.id]; !live {
		r.mu.Unlock()
		return
	}
	var audience []*Session
	wentOffline := false
	if s.userID != "" {
		audience, wentOffline = r.detachUserLocked(s, s.userID, peers)
	}
	for convID := range s.rooms {
		r.leaveLocked(s, convID)
	}
	delete(r.sessions, s.id)
	if wentOffline {
		if frame, err := protocol.Encode(protocol.UserStatusChange, protocol.StatusPayload{UserID: userID}); err == nil {
			r.deliverAllLocked(audience, protocol.UserStatusChange, frame)
		}
	}
	s.closeSend()
	r.mu.Unlock()
	metrics.WsSessions.Dec()
	log.Debug().Str("session_id", s.id).Str("user_id", userID).Msg("session disconnected")
}

// CloseAll disconnects every session. Their write pumps send a close frame
// and drop the connection, which http.Server.Shutdown does not do for
// hijacked connections.
func (r *Router) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		r.Disconnect(s)
	}
	log.Info().Int("sessions", len(all)).Msg("event sessions closed")
}

// detachUserLocked removes s from userID's session set. When s was the
// user's last session it returns the offline audience and true.
func (r *Router) detachUserLocked(s *Session, userID string, peers []string) ([]*Session, bool) {
	set := r.users[userID]
	if _, ok := set[s.id]; !ok {
		return nil, false
	}
	var audience []*Session
	last := len(set) == 1
	if last {
		// computed while s still holds its rooms and identity
		audience = r.presenceAudienceLocked(userID, peers)
	}
	delete(set, s.id)
	if s.userID == userID {
		s.userID = ""
	}
	if !last {
		return nil, false
	}
	delete(r.users, userID)
	metrics.OnlineUsers.Dec()
	return audience, true
}

// presenceAudienceLocked excludes the user's own sessions.
func (r *Router) presenceAudienceLocked(userID string, peers []string) []*Session {
	seen := make(map[string]struct{})
	var out []*Session
	add := func(t *Session) {
		if t.userID == userID {
			return
		}
		if _, ok := seen[t.id]; ok {
			return
		}
		seen[t.id] = struct{}{}
		out = append(out, t)
	}
	if r.opts.Scope == ScopeAll {
		for _, t := range r.sessions {
			add(t)
		}
		return out
	}
	for _, own := range r.sessionsOfLocked(userID) {
		for convID := range own.rooms {
			for _, t := range r.rooms[convID] {
				add(t)
			}
		}
	}
	for _, p := range peers {
		for _, t := range r.users[p] {
			add(t)
		}
	}
	return out
}

func (r *Router) sessionsOfLocked(userID string) []*Session {
	var out []*Session
	for _, s := range r.users[userID] {
		out = append(out, s)
	}
	return out
}

func (r *Router) peerIDs(userID string) []string {
	r.mu.RLock()
	p := r.peers
	r.mu.RUnlock()
	if p == nil || r.opts.Scope == ScopeAll {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ids, err := p.PeerIDs(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("peer lookup failed")
		return nil
	}
	return ids
}

func (r *Router) deliverAllLocked(targets []*Session, event string, frame []byte) {
	for _, t := range targets {
		r.deliverLocked(t, event, frame)
	}
}

func (r *Router) deliverLocked(t *Session, event string, frame []byte) bool {
	select {
	case t.send <- frame:
		metrics.RelayEventsTotal.WithLabelValues(event).Inc()
		return true
	default:
		metrics.RelayDroppedTotal.WithLabelValues(event).Inc()
		log.Debug().Str("session_id", t.id).Str("event", event).Msg("send buffer full, event dropped")
		return false
	}
}

// IsOnline reports whether userID has at least one registered session.
func (r *Router) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// RoomSize returns the number of sessions joined to convID.
func (r *Router) RoomSize(convID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[convID])
}

func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Dispatch decodes one inbound envelope and applies it.
func (r *Router) Dispatch(s *Session, env protocol.Envelope) {
	if !s.limiter.Allow() {
		log.Debug().Str("session_id", s.id).Str("event", env.Event).Msg("inbound event rate limited")
		return
	}
	switch env.Event {
	case protocol.RegisterUser:
		var id string
		if decode(s, env, &id) {
			r.RegisterUser(s, id)
		}
	case protocol.JoinConversation:
		var id string
		if decode(s, env, &id) {
			r.JoinConversation(s, id)
		}
	case protocol.LeaveConversation:
		var id string
		if decode(s, env, &id) {
			r.LeaveConversation(s, id)
		}
	case protocol.SendMessage:
		var m protocol.Message
		if decode(s, env, &m) && m.ConversationID != "" && m.ID != "" {
			r.SendMessage(s, m)
		}
	case protocol.Typing:
		var p protocol.TypingPayload
		if decode(s, env, &p) {
			r.Typing(s, r.stampTyping(s, p))
		}
	case protocol.StopTyping:
		var p protocol.TypingPayload
		if decode(s, env, &p) {
			r.StopTyping(s, r.stampTyping(s, p))
		}
	case protocol.MarkAsRead:
		var p protocol.ReadPayload
		if decode(s, env, &p) {
			if p.UserID == "" {
				p.UserID = r.userOf(s)
			}
			r.MarkAsRead(s, p)
		}
	default:
		log.Debug().Str("session_id", s.id).Str("event", env.Event).Msg("unknown event ignored")
	}
}

func (r *Router) stampTyping(s *Session, p protocol.TypingPayload) protocol.TypingPayload {
	if p.UserID == "" {
		p.UserID = r.userOf(s)
	}
	return p
}

func (r *Router) userOf(s *Session) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.userID
}

func decode(s *Session, env protocol.Envelope, v any) bool {
	if len(env.Data) == 0 {
		return false
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Debug().Err(err).Str("session_id", s.id).Str("event", env.Event).Msg("malformed payload")
		return false
	}
	return true
}
