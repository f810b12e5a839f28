package events

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/pkg/logger"
)

// ErrNoStream is returned when subscribing to a job the bus has no stream
// for. Callers fall back to the persisted event log.
var ErrNoStream = errors.New("no active stream for job")

const (
	defaultSubscriberBuffer = 256
	defaultPublishTimeout   = 2 * time.Second
)

// Bus fans job progress events out to subscribers. Sequence numbers are
// assigned under the per-job stream lock at publish time, so each job's
// stream is gapless and totally ordered. Slow subscribers lose non-critical
// events first; a subscriber that cannot keep up with critical events is
// evicted rather than allowed to stall the pipeline.
type Bus struct {
	mu             sync.RWMutex
	streams        map[string]*stream
	bufferSize     int
	publishTimeout time.Duration
}

type stream struct {
	mu      sync.Mutex
	history []Event
	nextSeq uint64
	subs    map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	ch chan Event
}

func NewBus() *Bus {
	return &Bus{
		streams:        make(map[string]*stream),
		bufferSize:     defaultSubscriberBuffer,
		publishTimeout: defaultPublishTimeout,
	}
}

// OpenStream creates the stream for a job. Must be called before the first
// Publish so early subscribers can attach from sequence 1.
func (b *Bus) OpenStream(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[jobID]; !ok {
		b.streams[jobID] = &stream{
			nextSeq: 1,
			subs:    make(map[*subscriber]struct{}),
		}
	}
}

// Publish appends an event to the job's stream and delivers it to all
// subscribers. A terminal kind closes the stream. Returns the sequenced
// event for persistence.
func (b *Bus) Publish(jobID string, kind Kind, payload interface{}) Event {
	b.mu.Lock()
	s, ok := b.streams[jobID]
	if !ok {
		s = &stream{nextSeq: 1, subs: make(map[*subscriber]struct{})}
		b.streams[jobID] = s
	}
	b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{
		JobID:          jobID,
		SequenceNumber: s.nextSeq,
		Kind:           kind,
		EmittedAt:      time.Now().UTC(),
	}
	if payload != nil {
		ev.Payload = MustPayload(payload)
	}
	s.nextSeq++
	s.history = append(s.history, ev)
	metrics.EventsPublished.WithLabelValues(string(kind)).Inc()

	for sub := range s.subs {
		if !b.deliver(sub, ev) {
			delete(s.subs, sub)
			close(sub.ch)
			logger.Warn("Evicted slow event subscriber",
				zap.String("job_id", jobID),
				zap.String("kind", string(kind)),
			)
		}
	}

	if kind.Terminal() {
		s.closed = true
		for sub := range s.subs {
			close(sub.ch)
			delete(s.subs, sub)
		}
	}

	return ev
}

// deliver reports false when the subscriber must be evicted.
func (b *Bus) deliver(sub *subscriber, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
	}

	if !ev.Kind.Critical() {
		metrics.EventsDropped.WithLabelValues(string(ev.Kind)).Inc()
		return true
	}

	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Subscribe attaches to a job's stream from the given sequence number
// (inclusive; 0 means from the start). It returns the already-published
// backlog and a live channel for subsequent events; the caller drains the
// backlog before reading the channel. The channel is closed when the stream
// ends or the cancel func is called. If the stream already ended, the
// backlog holds the full history and the channel is closed.
func (b *Bus) Subscribe(jobID string, fromSeq uint64) ([]Event, <-chan Event, func(), error) {
	b.mu.RLock()
	s, ok := b.streams[jobID]
	b.mu.RUnlock()
	if !ok {
		return nil, nil, nil, ErrNoStream
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var backlog []Event
	if fromSeq <= 1 {
		backlog = append(backlog, s.history...)
	} else if idx := int(fromSeq - 1); idx < len(s.history) {
		backlog = append(backlog, s.history[idx:]...)
	}

	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	if s.closed {
		close(sub.ch)
		return backlog, sub.ch, func() {}, nil
	}
	s.subs[sub] = struct{}{}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, live := s.subs[sub]; live {
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
	return backlog, sub.ch, cancel, nil
}

// DropStream releases a finished job's stream and history. Replay after this
// point is served from persistent storage.
func (b *Bus) DropStream(jobID string) {
	b.mu.Lock()
	s, ok := b.streams[jobID]
	if ok {
		delete(b.streams, jobID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
		delete(s.subs, sub)
	}
}
