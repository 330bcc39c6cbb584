package daemon

import (
	"slices"
	"sync"

	"github.com/cochaviz/kforge/internal/build"
)

// DefaultEventRetention bounds the events kept per job. Log lines make up nearly all of them.
const DefaultEventRetention = 20000

// eventLog is the in-memory event history of one job.
type eventLog struct {
	mu     sync.Mutex
	limit  int
	events []build.Event
	done   bool
}

func newEventLog(limit int) *eventLog {
	if limit <= 0 {
		limit = DefaultEventRetention
	}
	return &eventLog{limit: limit}
}

var _ build.EventSink = (*eventLog)(nil)

func (l *eventLog) Emit(e build.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	// Trim in batches so a long compile does not copy the log on every line.
	if len(l.events) > l.limit+l.limit/4 {
		l.events = slices.Clone(l.events[len(l.events)-l.limit:])
	}
	if e.Kind.Terminal() {
		l.done = true
	}
}

// since returns the retained events with Seq >= seq.
func (l *eventLog) since(seq int) EventPage {
	l.mu.Lock()
	defer l.mu.Unlock()

	page := EventPage{Events: []build.Event{}, Next: seq, Done: l.done}
	for _, e := range l.events {
		if e.Seq >= seq {
			page.Events = append(page.Events, e)
		}
	}
	if n := len(page.Events); n > 0 {
		page.Next = page.Events[n-1].Seq + 1
	}
	return page
}
