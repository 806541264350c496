// Package chatclient ties the event connection, the REST store, the unread
// aggregator and the open conversation views into one client session.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/connmgr"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/conversation"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/unread"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotOpen = errors.New("conversation not open")

// Socket is the part of connmgr.Manager the client drives.
type Socket interface {
	On(event string, h connmgr.Handler) func()
	RegisterUser(userID string) bool
	JoinConversation(convID string) bool
	LeaveConversation(convID string) bool
	SendMessage(msg protocol.Message) bool
	Typing(p protocol.TypingPayload) bool
	StopTyping(p protocol.TypingPayload) bool
	MarkAsRead(p protocol.ReadPayload) bool
}

// API is the REST surface, satisfied by *httpapi.Client.
type API interface {
	conversation.Store
	ListConversations(ctx context.Context) ([]protocol.ConversationSummary, error)
	MarkRead(ctx context.Context, convID string) error
}

type Options struct {
	PageSize int
	// Focus starts focused when nil.
	Focus *unread.FocusState
	// OnMessage sees every relayed message after it was routed.
	OnMessage func(protocol.Message)
}

// Client is one signed-in user's session.
type Client struct {
	userID string
	sock   Socket
	api    API
	focus  *unread.FocusState
	unread *unread.Store
	page   int
	onMsg  func(protocol.Message)
	log    zerolog.Logger
	reads  *readQueue
	cancel context.CancelFunc

	mu       sync.Mutex
	views    map[string]*conversation.View
	joined   map[string]struct{}
	convs    map[string]protocol.ConversationSummary
	online   map[string]bool
	typing   map[string]map[string]struct{}
	disposer []func()
}

func New(userID string, sock Socket, api API, opts Options) *Client {
	if opts.Focus == nil {
		opts.Focus = unread.NewFocusState(true)
	}
	c := &Client{
		userID: userID,
		sock:   sock,
		api:    api,
		focus:  opts.Focus,
		page:   opts.PageSize,
		onMsg:  opts.OnMessage,
		log:    log.With().Str("component", "chatclient").Str("user_id", userID).Logger(),
		views:  make(map[string]*conversation.View),
		joined: make(map[string]struct{}),
		convs:  make(map[string]protocol.ConversationSummary),
		online: make(map[string]bool),
		typing: make(map[string]map[string]struct{}),
	}
	c.reads = newReadQueue(api, c.log)
	c.unread = unread.NewStore(c.focus, receipter{c})
	c.focus.Bind(c.unread)
	return c
}

// receipter sends a read receipt on both channels: the socket for live peers,
// REST so the server's read state survives. The REST call is queued, so it
// never holds up the event goroutine.
type receipter struct{ c *Client }

func (r receipter) MarkRead(_ context.Context, convID string) error {
	r.c.sock.MarkAsRead(protocol.ReadPayload{ConversationID: convID, UserID: r.c.userID})
	r.c.reads.push(convID)
	return nil
}

func (c *Client) Unread() *unread.Store { return c.unread }

func (c *Client) Focus() *unread.FocusState { return c.focus }

// Start subscribes to inbound events, registers the user and loads the
// conversation list, joining every listed conversation's room.
func (c *Client) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.reads.start(rctx)
	c.mu.Lock()
	c.disposer = append(c.disposer,
		c.sock.On(protocol.ReceiveMessage, func(data json.RawMessage) { c.onReceive(ctx, data) }),
		c.sock.On(protocol.MessagesRead, c.onRead),
		c.sock.On(protocol.UserStatusChange, c.onStatus),
		c.sock.On(protocol.UserTyping, func(data json.RawMessage) { c.onTyping(data, true) }),
		c.sock.On(protocol.UserStopTyping, func(data json.RawMessage) { c.onTyping(data, false) }),
	)
	c.mu.Unlock()
	c.sock.RegisterUser(c.userID)
	return c.Refresh(ctx)
}

// Stop drops the event handlers, closes every open view and flushes queued
// read receipts.
func (c *Client) Stop() {
	c.mu.Lock()
	ds := c.disposer
	c.disposer = nil
	ids := make([]string, 0, len(c.views))
	for id := range c.views {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, d := range ds {
		d()
	}
	for _, id := range ids {
		c.Close(id)
	}
	if c.cancel != nil {
		c.cancel()
		c.reads.wait()
	}
}

// Refresh reloads the conversation list and reseeds unread counts from it.
// Rooms of newly listed conversations are joined and rooms of conversations
// that left the list, and are not open, are left.
func (c *Client) Refresh(ctx context.Context) error {
	list, err := c.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	counts := make(map[string]unread.Seeded, len(list))
	var join, leave []string
	c.mu.Lock()
	c.convs = make(map[string]protocol.ConversationSummary, len(list))
	for _, s := range list {
		c.convs[s.ID] = s
		counts[s.ID] = unread.Seeded{Count: s.UnreadCount, Through: s.LastMessageAt}
		if _, ok := c.online[s.PeerID]; !ok {
			c.online[s.PeerID] = s.IsOnline
		}
		if _, ok := c.joined[s.ID]; !ok {
			c.joined[s.ID] = struct{}{}
			join = append(join, s.ID)
		}
	}
	for id := range c.joined {
		_, listed := c.convs[id]
		_, open := c.views[id]
		if !listed && !open {
			delete(c.joined, id)
			leave = append(leave, id)
		}
	}
	c.mu.Unlock()
	c.unread.Seed(counts)
	for _, id := range join {
		c.sock.JoinConversation(id)
	}
	sort.Strings(leave)
	for _, id := range leave {
		c.sock.LeaveConversation(id)
	}
	return nil
}

// Conversations returns the known conversations, most recent first.
func (c *Client) Conversations() []protocol.ConversationSummary {
	c.mu.Lock()
	out := make([]protocol.ConversationSummary, 0, len(c.convs))
	for _, s := range c.convs {
		s.IsOnline = c.online[s.PeerID]
		out = append(out, s)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

func (c *Client) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[userID]
}

// TypingUsers lists who is typing in convID, sorted.
func (c *Client) TypingUsers(convID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.typing[convID]))
	for u := range c.typing[convID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Open loads convID, makes it the active conversation, joins its room if the
// list had not already and reads it. Opening an already open conversation returns the same view.
func (c *Client) Open(ctx context.Context, convID string) (*conversation.View, error) {
	c.mu.Lock()
	v, ok := c.views[convID]
	c.mu.Unlock()
	if !ok {
		v = conversation.NewView(convID, c.api, c.sock, conversation.Options{PageSize: c.page})
		if err := v.LoadInitial(ctx); err != nil {
			if errors.Is(err, conversation.ErrAccessDenied) {
				c.dropConversation(ctx, convID)
			}
			return nil, err
		}
		c.mu.Lock()
		if existing, raced := c.views[convID]; raced {
			v = existing
		} else {
			c.views[convID] = v
		}
		c.mu.Unlock()
	}
	c.unread.SetActiveConversationID(convID)
	c.mu.Lock()
	_, joined := c.joined[convID]
	c.joined[convID] = struct{}{}
	c.mu.Unlock()
	if !joined {
		c.sock.JoinConversation(convID)
	}
	if err := c.unread.MarkConversationAsRead(ctx, convID); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", convID).Msg("mark read on open")
	}
	return v, nil
}

// Close drops the view and clears it as active. The room stays joined so
// unread counts keep arriving.
func (c *Client) Close(convID string) {
	c.mu.Lock()
	_, ok := c.views[convID]
	delete(c.views, convID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.unread.ActiveConversationID() == convID {
		c.unread.SetActiveConversationID("")
	}
}

func (c *Client) view(convID string) (*conversation.View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[convID]
	return v, ok
}

func (c *Client) Send(ctx context.Context, convID string, d conversation.Draft) (conversation.Op, error) {
	v, ok := c.view(convID)
	if !ok {
		return conversation.Op{Kind: conversation.OpSend, Status: conversation.Failed, Draft: d, Err: ErrNotOpen}, ErrNotOpen
	}
	op, err := v.Send(ctx, d)
	if errors.Is(err, conversation.ErrAccessDenied) {
		c.dropConversation(ctx, convID)
	}
	if err == nil {
		c.touch(convID, v)
	}
	return op, err
}

// Delete removes a message. When the conversation goes with it, the view is
// closed and the list refreshed.
func (c *Client) Delete(ctx context.Context, convID, msgID string) (conversation.DeleteOutcome, error) {
	v, ok := c.view(convID)
	if !ok {
		return conversation.DeleteOutcome{}, ErrNotOpen
	}
	out, err := v.Delete(ctx, msgID)
	if out.NavigateAway {
		c.log.Info().Str("conversation_id", convID).Str("reason", out.Reason).Msg("leaving conversation")
		c.dropConversation(ctx, convID)
	}
	return out, err
}

func (c *Client) SetTyping(convID string, typing bool) bool {
	p := protocol.TypingPayload{ConversationID: convID, UserID: c.userID}
	if typing {
		return c.sock.Typing(p)
	}
	return c.sock.StopTyping(p)
}

// dropConversation forgets a conversation the user lost, leaving its room.
func (c *Client) dropConversation(ctx context.Context, convID string) {
	c.Close(convID)
	c.unread.Forget(convID)
	c.mu.Lock()
	_, joined := c.joined[convID]
	delete(c.joined, convID)
	delete(c.convs, convID)
	delete(c.typing, convID)
	c.mu.Unlock()
	if joined {
		c.sock.LeaveConversation(convID)
	}
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn().Err(err).Msg("refresh after leaving conversation")
	}
}

// touch moves convID's summary to the latest message in v.
func (c *Client) touch(convID string, v *conversation.View) {
	msgs := v.Messages()
	if len(msgs) == 0 {
		return
	}
	c.bump(convID, msgs[len(msgs)-1])
}

func (c *Client) bump(convID string, m protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.convs[convID]
	if !ok {
		s = protocol.ConversationSummary{ID: convID}
		if m.SenderID != c.userID {
			s.PeerID = m.SenderID
		}
	}
	if m.CreatedAt.Before(s.LastMessageAt) {
		return
	}
	mm := m
	s.LastMessage = &mm
	s.LastMessageAt = m.CreatedAt
	c.convs[convID] = s
}

func (c *Client) onReceive(ctx context.Context, data json.RawMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ConversationID == "" {
		c.log.Warn().Err(err).Msg("bad receive-message payload")
		return
	}
	if v, ok := c.view(msg.ConversationID); ok {
		v.HandleRelay(msg)
	}
	c.bump(msg.ConversationID, msg)
	c.mu.Lock()
	delete(c.typing[msg.ConversationID], msg.SenderID)
	c.mu.Unlock()
	if c.onMsg != nil {
		c.onMsg(msg)
	}
	// another tab of ours sent it
	if msg.SenderID == c.userID {
		return
	}
	in := unread.Incoming{ConversationID: msg.ConversationID, MessageID: msg.ID, CreatedAt: msg.CreatedAt}
	if err := c.unread.HandleIncomingMessage(ctx, in); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("auto read failed")
	}
}

// onRead clears a count this user read from another tab.
func (c *Client) onRead(data json.RawMessage) {
	var p protocol.ReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.UserID != c.userID {
		return
	}
	c.unread.Clear(p.ConversationID)
}

func (c *Client) onStatus(data json.RawMessage) {
	var p protocol.StatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		return
	}
	c.mu.Lock()
	c.online[p.UserID] = p.IsOnline
	c.mu.Unlock()
}

func (c *Client) onTyping(data json.RawMessage, typing bool) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" || p.UserID == c.userID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.typing[p.ConversationID]
	if typing {
		if set == nil {
			set = make(map[string]struct{})
			c.typing[p.ConversationID] = set
		}
		set[p.UserID] = struct{}{}
		return
	}
	delete(set, p.UserID)
}
