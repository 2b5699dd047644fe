package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/scribed/internal/core/domain"
)

const (
	DefaultHistorySize = 100
	DefaultQueueSize   = 100
)

type subscriber struct {
	ch     chan domain.Event
	closed bool
}

// JobEventBus fans out the events of one job to any number of subscribers
// and keeps the most recent ones for replay. Subscriber channels are
// closed when the bus completes.
type JobEventBus struct {
	jobID     domain.JobID
	logger    *slog.Logger
	queueSize int

	mu       sync.Mutex
	nextSeq  int64
	ring     []domain.Event
	start    int
	count    int
	subs     map[string]*subscriber
	final    *domain.CompletePayload
	complete bool
}

func NewJobEventBus(logger *slog.Logger, jobID domain.JobID, historySize, queueSize int) *JobEventBus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &JobEventBus{
		jobID:     jobID,
		logger:    logger,
		queueSize: queueSize,
		ring:      make([]domain.Event, historySize),
		subs:      make(map[string]*subscriber),
	}
}

// Publish stamps e with the next sequence number, records it and delivers
// it to every subscriber without blocking. A full subscriber queue drops
// the event for that subscriber only. A completed bus records nothing and
// returns e with Seq -1.
func (b *JobEventBus) Publish(e domain.Event) domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.complete {
		e.Seq = -1
		b.logger.Debug("event published after completion, dropping",
			"job_id", b.jobID, "event", e.Kind)
		return e
	}

	e.Seq = b.nextSeq
	b.nextSeq++
	b.append(e)

	if e.Kind == domain.EventComplete {
		if p, ok := e.Data.(domain.CompletePayload); ok {
			b.final = &p
		}
	}

	for id, sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event",
				"job_id", b.jobID, "subscriber", id, "seq", e.Seq)
		}
	}
	return e
}

func (b *JobEventBus) append(e domain.Event) {
	size := len(b.ring)
	if b.count < size {
		b.ring[(b.start+b.count)%size] = e
		b.count++
		return
	}
	b.ring[b.start] = e
	b.start = (b.start + 1) % size
}

// Subscribe registers a live subscriber. On a completed bus the returned
// channel is already closed.
func (b *JobEventBus) Subscribe(id string) <-chan domain.Event {
	_, ch, _ := b.SubscribeFrom(id, -1)
	return ch
}

// SubscribeFrom returns the retained history with seq >= fromSeq and
// registers a live subscriber in the same critical section, so nothing
// published in between is missed. A negative fromSeq skips replay.
// completed reports whether the bus had already completed, in which case
// the channel is closed.
func (b *JobEventBus) SubscribeFrom(id string, fromSeq int64) (replay []domain.Event, ch <-chan domain.Event, completed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if fromSeq >= 0 {
		replay = b.since(fromSeq)
	}

	if old, ok := b.subs[id]; ok && !old.closed {
		close(old.ch)
	}
	sub := &subscriber{ch: make(chan domain.Event, b.queueSize)}
	if b.complete {
		close(sub.ch)
		sub.closed = true
	}
	b.subs[id] = sub
	return replay, sub.ch, b.complete
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *JobEventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	if !sub.closed {
		close(sub.ch)
	}
	delete(b.subs, id)
}

// HistorySince returns retained events with seq >= seq in publish order.
func (b *JobEventBus) HistorySince(seq int64) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.since(seq)
}

func (b *JobEventBus) since(seq int64) []domain.Event {
	out := make([]domain.Event, 0, b.count)
	size := len(b.ring)
	for i := 0; i < b.count; i++ {
		e := b.ring[(b.start+i)%size]
		if e.Seq >= seq {
			out = append(out, e)
		}
	}
	return out
}

// Complete marks the stream finished and closes every subscriber channel
// exactly once. Later calls do nothing.
func (b *JobEventBus) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.complete {
		return
	}
	b.complete = true
	for _, sub := range b.subs {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
	}
}

func (b *JobEventBus) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// FinalResult returns the payload of the complete event, if one was published.
func (b *JobEventBus) FinalResult() (domain.CompletePayload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.final == nil {
		return domain.CompletePayload{}, false
	}
	return *b.final, true
}

func (b *JobEventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
