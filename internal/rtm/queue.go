package rtm

import (
	"sync"

	"github.com/mossy-p/rtm-calling/internal/models"
)

// eventQueue decouples the socket reader from the consumer so a slow
// consumer never stalls RPC replies.
type eventQueue struct {
	mu     sync.Mutex
	items  []models.Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev models.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// run forwards queued events to out in order until done is closed, then
// closes out.
func (q *eventQueue) run(out chan<- models.Event, done <-chan struct{}) {
	defer close(out)
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-q.signal:
		case <-done:
			return
		}
	}
}
