package chatclient

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// flushTimeout bounds how long Stop waits for queued receipts.
const flushTimeout = 2 * time.Second

// readQueue posts REST read receipts off the event goroutine. Repeated marks
// of a conversation that is still queued collapse into one call.
type readQueue struct {
	api API
	log zerolog.Logger

	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}
	signal  chan struct{} // buffered, size 1
	done    chan struct{}
}

func newReadQueue(api API, l zerolog.Logger) *readQueue {
	return &readQueue{
		api:    api,
		log:    l,
		queued: make(map[string]struct{}),
		signal: make(chan struct{}, 1),
	}
}

func (q *readQueue) push(convID string) {
	q.mu.Lock()
	if _, ok := q.queued[convID]; !ok {
		q.queued[convID] = struct{}{}
		q.pending = append(q.pending, convID)
	}
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *readQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, id)
	return id, true
}

// start runs the sender until ctx ends, then flushes what is left.
func (q *readQueue) start(ctx context.Context) {
	q.done = make(chan struct{})
	go func() {
		defer close(q.done)
		for {
			select {
			case <-ctx.Done():
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
				q.drain(fctx)
				cancel()
				return
			case <-q.signal:
				q.drain(ctx)
			}
		}
	}()
}

func (q *readQueue) wait() {
	if q.done != nil {
		<-q.done
	}
}

func (q *readQueue) drain(ctx context.Context) {
	for {
		id, ok := q.pop()
		if !ok {
			return
		}
		if err := q.api.MarkRead(ctx, id); err != nil {
			q.log.Warn().Err(err).Str("conversation_id", id).Msg("read receipt failed")
		}
	}
}
