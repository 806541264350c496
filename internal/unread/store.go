// Package unread keeps the client's per-conversation unread counts. Raw counts
// are stored independently of the active conversation, which is only filtered
// out of the views.
package unread

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReadReceipter tells the server a conversation was read.
type ReadReceipter interface {
	MarkRead(ctx context.Context, convID string) error
}

// Attention reports whether the host surface currently has user focus.
type Attention interface {
	Focused() bool
}

// Snapshot is the filtered view handed to subscribers.
type Snapshot struct {
	Active string
	Counts map[string]int
	Total  int
}

// Incoming identifies one relayed message. A zero CreatedAt skips the
// watermark check.
type Incoming struct {
	ConversationID string
	MessageID      string
	CreatedAt      time.Time
}

// Seeded is a server-side count and the newest message it covers.
type Seeded struct {
	Count   int
	Through time.Time
}

// seenWindow bounds how many message ids are remembered for deduplication.
const seenWindow = 4096

type Store struct {
	attention Attention
	receipts  ReadReceipter
	log       zerolog.Logger

	mu      sync.Mutex
	counts  map[string]int
	through map[string]time.Time
	latest  map[string]time.Time
	seen    *lru.Cache[string, struct{}]
	active  string
	subs    map[uint64]func(Snapshot)
	nextID  uint64
}

// NewStore builds the shared store. A nil attention counts as always focused;
// a nil receipter skips the server call.
func NewStore(attention Attention, receipts ReadReceipter) *Store {
	if attention == nil {
		attention = alwaysFocused{}
	}
	seen, _ := lru.New[string, struct{}](seenWindow)
	return &Store{
		attention: attention,
		receipts:  receipts,
		log:       log.With().Str("component", "unread").Logger(),
		counts:    make(map[string]int),
		through:   make(map[string]time.Time),
		latest:    make(map[string]time.Time),
		seen:      seen,
		subs:      make(map[uint64]func(Snapshot)),
	}
}

type alwaysFocused struct{}

func (alwaysFocused) Focused() bool { return true }

// SetActiveConversationID declares the conversation being viewed; "" means
// none. Stored counts are left untouched.
func (s *Store) SetActiveConversationID(id string) {
	s.mu.Lock()
	if s.active == id {
		s.mu.Unlock()
		return
	}
	s.active = id
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(subs, snap)
}

func (s *Store) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MarkConversationAsRead zeroes the stored count for id and sends the read
// receipt. Messages already seen stay read if they are relayed again.
func (s *Store) MarkConversationAsRead(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	had := s.clearLocked(id)
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	if had {
		publish(subs, snap)
	}
	if s.receipts == nil {
		return nil
	}
	if err := s.receipts.MarkRead(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", id).Msg("read receipt failed")
		return err
	}
	return nil
}

// HandleIncomingMessage counts one new message, unless the conversation is
// active and focused, in which case it is marked read straight away. A message
// id seen before, or a message no newer than the conversation's watermark, is
// ignored.
func (s *Store) HandleIncomingMessage(ctx context.Context, m Incoming) error {
	convID := m.ConversationID
	if convID == "" {
		return nil
	}
	s.mu.Lock()
	if m.MessageID != "" {
		if dup, _ := s.seen.ContainsOrAdd(m.MessageID, struct{}{}); dup {
			s.mu.Unlock()
			return nil
		}
	}
	if !m.CreatedAt.IsZero() {
		if !m.CreatedAt.After(s.through[convID]) {
			s.mu.Unlock()
			return nil
		}
		if m.CreatedAt.After(s.latest[convID]) {
			s.latest[convID] = m.CreatedAt
		}
	}
	if convID == s.active && s.attention.Focused() {
		s.mu.Unlock()
		return s.MarkConversationAsRead(ctx, convID)
	}
	s.counts[convID]++
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(subs, snap)
	return nil
}

// HandleFocus is called by the host when focus changes. Regaining focus on an
// active conversation with pending messages reads them.
func (s *Store) HandleFocus(ctx context.Context, focused bool) error {
	if !focused {
		return nil
	}
	s.mu.Lock()
	active := s.active
	pending := active != "" && s.counts[active] > 0
	s.mu.Unlock()
	if !pending {
		return nil
	}
	return s.MarkConversationAsRead(ctx, active)
}

// Seed replaces all raw counts, typically from the conversation list. Each
// entry's Through moves that conversation's watermark forward, so a relay the
// seeded count already includes is not counted twice.
func (s *Store) Seed(counts map[string]Seeded) {
	s.mu.Lock()
	s.counts = make(map[string]int, len(counts))
	for id, e := range counts {
		if e.Count > 0 {
			s.counts[id] = e.Count
		}
		s.advanceLocked(id, e.Through)
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(subs, snap)
}

// Clear zeroes a count read elsewhere, without sending a receipt.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	if !s.clearLocked(id) {
		s.mu.Unlock()
		return
	}
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(subs, snap)
}

// Forget drops a conversation entirely, e.g. after it was deleted.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	delete(s.through, id)
	delete(s.latest, id)
	if _, ok := s.counts[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.counts, id)
	snap, subs := s.snapshotLocked()
	s.mu.Unlock()
	publish(subs, snap)
}

func (s *Store) clearLocked(id string) bool {
	_, had := s.counts[id]
	delete(s.counts, id)
	s.advanceLocked(id, s.latest[id])
	return had
}

func (s *Store) advanceLocked(id string, at time.Time) {
	if at.After(s.through[id]) {
		s.through[id] = at
	}
}

// RawCount returns the stored count, including for the active conversation.
func (s *Store) RawCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[id]
}

// FilteredUnreadCounts returns the counts with the active conversation removed.
func (s *Store) FilteredUnreadCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filteredLocked()
}

func (s *Store) TotalUnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return total(s.filteredLocked())
}

// Subscribe registers fn for every change and returns the unsubscribe func.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) filteredLocked() map[string]int {
	out := make(map[string]int, len(s.counts))
	for id, n := range s.counts {
		if id == s.active || n <= 0 {
			continue
		}
		out[id] = n
	}
	return out
}

func (s *Store) snapshotLocked() (Snapshot, []func(Snapshot)) {
	counts := s.filteredLocked()
	snap := Snapshot{Active: s.active, Counts: counts, Total: total(counts)}
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(Snapshot), len(ids))
	for i, id := range ids {
		subs[i] = s.subs[id]
	}
	return snap, subs
}

func publish(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}

func total(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
