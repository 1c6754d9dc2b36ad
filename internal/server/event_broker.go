package server

import (
	"strings"
	"sync"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
)

type runNoticeSubscriber struct {
	id        int64
	runID     string
	eventType string
	ch        chan model.RunNotice
}

// RunEventBroker fans run notices out to in-process monitors. Delivery is
// lossy for slow subscribers so the orchestrator never blocks on a stalled
// terminal.
type RunEventBroker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]runNoticeSubscriber
}

func NewRunEventBroker(bufferSize int) *RunEventBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &RunEventBroker{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]runNoticeSubscriber),
	}
}

// Subscribe registers a listener. Empty filters match every notice. The
// returned cancel func closes the channel and drops the registration.
func (b *RunEventBroker) Subscribe(runID string, eventType string) (<-chan model.RunNotice, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.RunNotice, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	subscriber := runNoticeSubscriber{
		id:        b.nextID,
		runID:     strings.TrimSpace(runID),
		eventType: strings.TrimSpace(eventType),
		ch:        ch,
	}
	b.subscribers[subscriber.id] = subscriber
	return ch, func() {
		b.unsubscribe(subscriber.id)
	}
}

func (b *RunEventBroker) Publish(notice model.RunNotice) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	snapshot := make([]runNoticeSubscriber, 0, len(b.subscribers))
	for _, subscriber := range b.subscribers {
		snapshot = append(snapshot, subscriber)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, subscriber := range snapshot {
		if !matchesNoticeFilter(subscriber, notice) {
			continue
		}
		if tryDeliverNotice(subscriber.ch, notice) {
			delivered++
		}
	}
	return delivered
}

func (b *RunEventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, subscriber := range b.subscribers {
		close(subscriber.ch)
		delete(b.subscribers, id)
	}
}

func (b *RunEventBroker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscriber, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(subscriber.ch)
}

func matchesNoticeFilter(subscriber runNoticeSubscriber, notice model.RunNotice) bool {
	if subscriber.runID != "" && !strings.EqualFold(strings.TrimSpace(notice.RunID), subscriber.runID) {
		return false
	}
	if subscriber.eventType != "" && !strings.EqualFold(strings.TrimSpace(notice.EventType), subscriber.eventType) {
		return false
	}
	return true
}

func tryDeliverNotice(ch chan model.RunNotice, notice model.RunNotice) bool {
	select {
	case ch <- notice:
		return true
	default:
		// Drop one stale message and retry once to avoid blocking broker fanout.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- notice:
			return true
		default:
			return false
		}
	}
}
