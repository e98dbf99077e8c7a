// Package eventbus fans execution events out to subscribers, one ring
// buffer per topic (spec §4.4). It is grounded on the teacher's
// internal/engine.EventBroadcaster, adapted from a single run-keyed
// broadcaster into per-topic sequence-numbered replay, and made
// concurrency-safe (the teacher's broadcaster has no mutex).
package eventbus

import (
	"sync"

	"github.com/lazyaf/lazyaf/internal/domain"
)

const defaultRingSize = 1024

// Subscription is a live feed of events for one topic, starting after
// a given sequence number.
type Subscription struct {
	ch     chan domain.Event
	topic  domain.Topic
	closed bool
}

// Events returns the channel to range over.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

type ring struct {
	kind    domain.TopicKind
	buf     []domain.Event
	nextSeq uint64
	subs    []*Subscription
}

// Bus is the process-local Event Fan-out Bus. A single Bus instance is
// shared by all topics; events reach only subscribers in the same process
// (there is no cross-process fan-out).
type Bus struct {
	mu     sync.Mutex
	topics map[domain.Topic]*ring
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[domain.Topic]*ring)}
}

func (b *Bus) ringFor(topic domain.Topic) *ring {
	r, ok := b.topics[topic]
	if !ok {
		r = &ring{kind: topic.Kind}
		b.topics[topic] = r
	}
	return r
}

// Publish appends an event to topic's ring, stamping it with the topic's
// next sequence number, and fans it out to live subscribers.
//
// Lossless topics (state topics, per domain.TopicKind.Lossless) disconnect
// a subscriber whose channel is full rather than silently drop — the
// caller is expected to treat a closed Subscription as "must resync via
// snapshot". Lossy topics (logs) drop the event for a full subscriber
// instead of disconnecting it.
func (b *Bus) Publish(topic domain.Topic, evType domain.EventType, payload interface{}) domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.ringFor(topic)
	ev := domain.Event{
		Topic:   topic,
		Seq:     r.nextSeq,
		Type:    evType,
		Payload: payload,
	}
	r.nextSeq++
	r.buf = append(r.buf, ev)
	if len(r.buf) > defaultRingSize {
		r.buf = r.buf[len(r.buf)-defaultRingSize:]
	}

	live := r.subs[:0]
	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
			live = append(live, sub)
		default:
			if topic.Lossless() {
				b.closeLocked(sub)
				continue
			}
			// lossy: drop this event for this subscriber, keep it subscribed
			live = append(live, sub)
		}
	}
	r.subs = live
	return ev
}

// Subscribe opens a new subscription to topic and replays retained events
// before live events arrive: with sinceSeq 0 every retained event from the
// topic's first one (Seq 0), with sinceSeq n > 0 every retained event with
// Seq > n. Returns (nil, false) if the first requested event has already
// scrolled out of the retained window — the caller must fall back to a
// full snapshot resync.
func (b *Bus) Subscribe(topic domain.Topic, sinceSeq uint64, bufferSize int) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.ringFor(topic)
	first := sinceSeq + 1
	if sinceSeq == 0 {
		first = 0
	}
	if len(r.buf) > 0 && first < r.buf[0].Seq {
		return nil, false
	}

	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &Subscription{ch: make(chan domain.Event, bufferSize), topic: topic}
	for _, ev := range r.buf {
		if ev.Seq >= first {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	r.subs = append(r.subs, sub)
	return sub, true
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(sub)
}

func (b *Bus) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	r := b.ringFor(sub.topic)
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	sub.closed = true
	close(sub.ch)
}

// LatestSeq returns the next sequence number that would be assigned to a
// new event on topic, i.e. one past the last published event.
func (b *Bus) LatestSeq(topic domain.Topic) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ringFor(topic).nextSeq
}
