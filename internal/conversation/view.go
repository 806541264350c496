// Package conversation holds the state of one open conversation: its loaded
// message window, backwards pagination and the send/delete protocol.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/httpapi"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPageSize = 20
	// LoadOlderThreshold is the distance from the top, in pixels, that triggers
	// loading the previous page.
	LoadOlderThreshold = 200.0
)

var (
	ErrAccessDenied = errors.New("conversation not accessible")
	ErrBusy         = errors.New("another send is in flight")
	ErrEmptyDraft   = errors.New("nothing to send")
	ErrClosed       = errors.New("conversation view closed")
)

// Store is the message store as seen by a view.
type Store interface {
	ListMessages(ctx context.Context, convID string, offset, limit int) ([]protocol.Message, error)
	CreateMessage(ctx context.Context, convID string, in protocol.NewMessage) (*protocol.Message, error)
	DeleteMessage(ctx context.Context, convID, msgID string) (*protocol.DeleteResult, error)
}

// Relay forwards a persisted message to the other room members.
type Relay interface {
	SendMessage(msg protocol.Message) bool
}

type OpKind int

const (
	OpSend OpKind = iota
	OpDelete
)

type OpStatus int

const (
	Pending OpStatus = iota
	Confirmed
	Failed
)

func (s OpStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Draft is what the user typed or attached.
type Draft struct {
	Content  string
	Type     string
	MediaURL *string
}

func (d Draft) empty() bool {
	return strings.TrimSpace(d.Content) == "" && (d.MediaURL == nil || *d.MediaURL == "")
}

// Op tracks one send or delete through pending to confirmed or failed.
type Op struct {
	ID        string
	Kind      OpKind
	Status    OpStatus
	Draft     Draft
	MessageID string
	Err       error
}

type DeleteOutcome struct {
	NavigateAway bool
	Reason       string
}

type Options struct {
	PageSize int
	// AccessDenied classifies store errors that should end the view.
	AccessDenied func(error) bool
}

type View struct {
	convID   string
	store    Store
	relay    Relay
	pageSize int
	denied   func(error) bool

	mu      sync.Mutex
	msgs    []protocol.Message
	hasMore bool
	loading bool
	pending *Op
	draft   *Draft
	closed  bool
}

func NewView(convID string, store Store, relay Relay, opts Options) *View {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.AccessDenied == nil {
		opts.AccessDenied = httpapi.IsAccessDenied
	}
	return &View{
		convID:   convID,
		store:    store,
		relay:    relay,
		pageSize: opts.PageSize,
		denied:   opts.AccessDenied,
	}
}

func (v *View) ConversationID() string { return v.convID }

// Messages returns a copy of the loaded window in display order.
func (v *View) Messages() []protocol.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]protocol.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// Sending reports whether input should be disabled.
func (v *View) Sending() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending != nil
}

func (v *View) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *View) classify(err error) error {
	if v.denied(err) {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()
		return ErrAccessDenied
	}
	return err
}

// LoadInitial fetches the most recent page.
func (v *View) LoadInitial(ctx context.Context) error {
	page, err := v.store.ListMessages(ctx, v.convID, 0, v.pageSize)
	if err != nil {
		return v.classify(err)
	}
	v.mu.Lock()
	v.msgs = Merge(v.msgs, page)
	v.hasMore = len(page) == v.pageSize
	v.mu.Unlock()
	return nil
}

// ShouldLoadOlder reports whether a scroll position near the top warrants
// fetching the previous page.
func (v *View) ShouldLoadOlder(scrollTop float64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return scrollTop <= LoadOlderThreshold && v.hasMore && !v.loading && !v.closed
}

// LoadOlder fetches the page after the messages already loaded and returns
// how many new messages were merged.
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	if v.loading || !v.hasMore || v.closed {
		v.mu.Unlock()
		return 0, nil
	}
	v.loading = true
	offset := len(v.msgs)
	v.mu.Unlock()

	page, err := v.store.ListMessages(ctx, v.convID, offset, v.pageSize)
	if err != nil {
		v.mu.Lock()
		v.loading = false
		v.mu.Unlock()
		return 0, v.classify(err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.loading = false
	before := len(v.msgs)
	v.msgs = Merge(v.msgs, page)
	v.hasMore = len(page) == v.pageSize
	return len(v.msgs) - before, nil
}

// HandleRelay merges a message received from the event channel. It reports
// whether the message was new to this view.
func (v *View) HandleRelay(msg protocol.Message) bool {
	if msg.ConversationID != v.convID || msg.ID == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	before := len(v.msgs)
	v.msgs = Merge(v.msgs, []protocol.Message{msg})
	return len(v.msgs) > before
}

// TakeDraft returns the draft restored by the last failed send, if any.
func (v *View) TakeDraft() (Draft, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.draft == nil {
		return Draft{}, false
	}
	d := *v.draft
	v.draft = nil
	return d, true
}

// Send persists d, then appends the stored message and relays it. On failure
// the draft is kept for TakeDraft.
func (v *View) Send(ctx context.Context, d Draft) (Op, error) {
	op := Op{ID: uuid.NewString(), Kind: OpSend, Status: Pending, Draft: d}
	if d.empty() {
		op.Status, op.Err = Failed, ErrEmptyDraft
		return op, ErrEmptyDraft
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		op.Status, op.Err = Failed, ErrClosed
		return op, ErrClosed
	}
	if v.pending != nil {
		v.mu.Unlock()
		op.Status, op.Err = Failed, ErrBusy
		return op, ErrBusy
	}
	v.pending = &op
	v.draft = nil
	v.mu.Unlock()

	msg, err := v.store.CreateMessage(ctx, v.convID, protocol.NewMessage{Content: d.Content, Type: d.Type, MediaURL: d.MediaURL})
	if err != nil {
		v.mu.Lock()
		v.pending = nil
		v.draft = &d
		v.mu.Unlock()
		op.Status, op.Err = Failed, v.classify(err)
		log.Warn().Err(err).Str("conversation_id", v.convID).Msg("send failed, draft restored")
		return op, op.Err
	}

	v.mu.Lock()
	v.pending = nil
	v.msgs = Merge(v.msgs, []protocol.Message{*msg})
	v.mu.Unlock()
	op.Status, op.MessageID = Confirmed, msg.ID

	if v.relay != nil && !v.relay.SendMessage(*msg) {
		log.Debug().Str("message_id", msg.ID).Msg("relay unavailable, peer will see it on next fetch")
	}
	return op, nil
}

// Delete removes one of the caller's messages. When the store reports the
// conversation itself is gone the view closes and asks to navigate away.
func (v *View) Delete(ctx context.Context, msgID string) (DeleteOutcome, error) {
	res, err := v.store.DeleteMessage(ctx, v.convID, msgID)
	if err != nil {
		err = v.classify(err)
		if errors.Is(err, ErrAccessDenied) {
			return DeleteOutcome{NavigateAway: true, Reason: "access_denied"}, err
		}
		return DeleteOutcome{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.msgs {
		if m.ID == msgID {
			v.msgs = append(v.msgs[:i:i], v.msgs[i+1:]...)
			break
		}
	}
	if res.ConversationDeleted {
		v.closed = true
		v.msgs = nil
		v.hasMore = false
		return DeleteOutcome{NavigateAway: true, Reason: res.Reason}, nil
	}
	return DeleteOutcome{}, nil
}
