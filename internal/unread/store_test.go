package unread

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receipts struct {
	mu   sync.Mutex
	read []string
	err  error
}

func (r *receipts) MarkRead(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = append(r.read, id)
	return r.err
}

var msgSeq atomic.Int64

func incoming(conv string) Incoming {
	return Incoming{ConversationID: conv, MessageID: fmt.Sprintf("m-%d", msgSeq.Add(1))}
}

func TestStore_IncrementAndTotals(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewFocusState(true), nil)

	require.NoError(t, s.HandleIncomingMessage(ctx, incoming("a")))
	require.NoError(t, s.HandleIncomingMessage(ctx, incoming("a")))
	require.NoError(t, s.HandleIncomingMessage(ctx, incoming("b")))

	assert.Equal(t, map[string]int{"a": 2, "b": 1}, s.FilteredUnreadCounts())
	assert.Equal(t, 3, s.TotalUnreadCount())
}

func TestStore_ActiveIsFilteredNotZeroed(t *testing.T) {
	s := NewStore(NewFocusState(true), nil)
	s.Seed(map[string]Seeded{"a": {Count: 4}, "b": {Count: 1}})

	s.SetActiveConversationID("a")
	assert.Equal(t, map[string]int{"b": 1}, s.FilteredUnreadCounts())
	assert.Equal(t, 1, s.TotalUnreadCount())
	assert.Equal(t, 4, s.RawCount("a"), "raw count survives activation")

	s.SetActiveConversationID("")
	assert.Equal(t, 5, s.TotalUnreadCount(), "deactivating restores the count")
}

func TestStore_ActiveFocusedFastPath(t *testing.T) {
	ctx := context.Background()
	rec := &receipts{}
	s := NewStore(NewFocusState(true), rec)
	s.SetActiveConversationID("a")

	require.NoError(t, s.HandleIncomingMessage(ctx, incoming("a")))
	assert.Equal(t, 0, s.RawCount("a"))
	assert.Equal(t, []string{"a"}, rec.read)
}

func TestStore_ActiveButUnfocusedAccumulates(t *testing.T) {
	ctx := context.Background()
	rec := &receipts{}
	focus := NewFocusState(false)
	s := NewStore(focus, rec)
	focus.Bind(s)
	s.SetActiveConversationID("a")

	require.NoError(t, s.HandleIncomingMessage(ctx, incoming("a")))
	require.NoError(t, s.HandleIncomingMessage(ctx, incoming("a")))
	assert.Equal(t, 2, s.RawCount("a"))
	assert.Equal(t, 0, s.TotalUnreadCount(), "active conversation never shows in the total")
	assert.Empty(t, rec.read)

	// switching away without reading re-surfaces the background messages
	s.SetActiveConversationID("b")
	assert.Equal(t, 2, s.TotalUnreadCount())

	// coming back and regaining focus reads them
	s.SetActiveConversationID("a")
	require.NoError(t, focus.SetFocused(ctx, true))
	assert.Equal(t, 0, s.RawCount("a"))
	assert.Equal(t, []string{"a"}, rec.read)
}

func TestStore_MarkReadReportsReceiptError(t *testing.T) {
	ctx := context.Background()
	rec := &receipts{err: errors.New("offline")}
	s := NewStore(nil, rec)
	s.Seed(map[string]Seeded{"a": {Count: 3}})

	err := s.MarkConversationAsRead(ctx, "a")
	assert.Error(t, err)
	assert.Equal(t, 0, s.RawCount("a"), "local count is cleared even if the receipt fails")
}

func TestStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)

	var got []Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) { got = append(got, snap) })

	require.NoError(t, s.HandleIncomingMessage(ctx, incoming("a")))
	s.SetActiveConversationID("a")
	unsubscribe()
	require.NoError(t, s.HandleIncomingMessage(ctx, incoming("b")))

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Total)
	assert.Equal(t, "a", got[1].Active)
	assert.Equal(t, 0, got[1].Total)
}

func TestStore_Forget(t *testing.T) {
	s := NewStore(nil, nil)
	s.Seed(map[string]Seeded{"a": {Count: 2}, "b": {}})
	s.Forget("a")
	assert.Equal(t, 0, s.TotalUnreadCount())
	assert.Empty(t, s.FilteredUnreadCounts())
}

func TestStore_SameMessageCountsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)
	m := Incoming{ConversationID: "a", MessageID: "m1"}

	require.NoError(t, s.HandleIncomingMessage(ctx, m))
	require.NoError(t, s.HandleIncomingMessage(ctx, m))
	assert.Equal(t, 1, s.RawCount("a"))

	require.NoError(t, s.HandleIncomingMessage(ctx, Incoming{ConversationID: "a", MessageID: "m2"}))
	assert.Equal(t, 2, s.RawCount("a"))
}

func TestStore_SeedWatermarkSkipsCoveredRelays(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(nil, nil)

	// relay raced ahead of the list that already counts it
	require.NoError(t, s.HandleIncomingMessage(ctx, Incoming{ConversationID: "a", MessageID: "m1", CreatedAt: t0}))
	s.Seed(map[string]Seeded{"a": {Count: 1, Through: t0}})
	assert.Equal(t, 1, s.RawCount("a"))

	// an unseen id older than the watermark
	require.NoError(t, s.HandleIncomingMessage(ctx, Incoming{ConversationID: "a", MessageID: "m0", CreatedAt: t0.Add(-time.Second)}))
	assert.Equal(t, 1, s.RawCount("a"), "older than the seeded watermark")

	require.NoError(t, s.HandleIncomingMessage(ctx, Incoming{ConversationID: "a", MessageID: "m2", CreatedAt: t0.Add(time.Second)}))
	assert.Equal(t, 2, s.RawCount("a"))
}

func TestStore_ReadMessagesStayRead(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(nil, nil)

	require.NoError(t, s.HandleIncomingMessage(ctx, Incoming{ConversationID: "a", MessageID: "m1", CreatedAt: t0}))
	require.NoError(t, s.MarkConversationAsRead(ctx, "a"))
	s.Seed(map[string]Seeded{})

	require.NoError(t, s.HandleIncomingMessage(ctx, Incoming{ConversationID: "a", MessageID: "m1-again", CreatedAt: t0}))
	assert.Equal(t, 0, s.RawCount("a"))

	s.Clear("a")
	s.Forget("a")
	require.NoError(t, s.HandleIncomingMessage(ctx, Incoming{ConversationID: "a", MessageID: "m3", CreatedAt: t0}))
	assert.Equal(t, 1, s.RawCount("a"), "forgetting drops the watermark")
}

// Random operation sequences never produce a negative total and never count
// the active conversation.
func TestStore_TotalsProperty(t *testing.T) {
	ctx := context.Background()
	convs := []string{"a", "b", "c", "d"}
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		focus := NewFocusState(rng.Intn(2) == 0)
		s := NewStore(focus, nil)
		focus.Bind(s)

		for step := 0; step < 200; step++ {
			id := convs[rng.Intn(len(convs))]
			switch rng.Intn(5) {
			case 0, 1:
				require.NoError(t, s.HandleIncomingMessage(ctx, incoming(id)))
			case 2:
				require.NoError(t, s.MarkConversationAsRead(ctx, id))
			case 3:
				if rng.Intn(3) == 0 {
					id = ""
				}
				s.SetActiveConversationID(id)
			case 4:
				require.NoError(t, focus.SetFocused(ctx, rng.Intn(2) == 0))
			}

			active := s.ActiveConversationID()
			want := 0
			for _, c := range convs {
				if c != active {
					want += s.RawCount(c)
				}
			}
			totalNow := s.TotalUnreadCount()
			if totalNow < 0 || totalNow != want {
				t.Fatalf("seed %d step %d: total %d, want %d (active %q)", seed, step, totalNow, want, active)
			}
			if _, ok := s.FilteredUnreadCounts()[active]; ok && active != "" {
				t.Fatalf("seed %d step %d: active conversation %q in filtered view", seed, step, active)
			}
		}
	}
}
