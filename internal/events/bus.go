// Package events implements the typed pub/sub bus that carries the
// core's event channel (§6): rate-updated, opportunity lifecycle,
// exit suggestions, triggers, close outcomes, and data-source
// transitions. Each subscriber gets its own bounded queue; a slow
// subscriber does not block publishers — the queue overflows by
// dropping the oldest pending event and counting the drop, per the
// design notes' "each subscriber drains its own bounded queue,
// overflow policy is drop-oldest with a counter."
//
// Generalizes a map[string][]Subscriber callback-registration bus,
// run in ad-hoc goroutines, into typed topics with per-subscriber
// channels, favoring explicit channels over listener registration.
package events

import (
	"sync"
	"sync/atomic"
)

// Topic names every event kind the core emits.
type Topic string

const (
	TopicRateUpdated            Topic = "rate-updated"
	TopicOpportunityDetected    Topic = "opportunityDetected"
	TopicOpportunityExpired     Topic = "opportunityExpired"
	TopicOpportunityClosed      Topic = "opportunityClosed"
	TopicExitSuggested          Topic = "exitSuggested"
	TopicExitCanceled           Topic = "exitCanceled"
	TopicTriggerDetected        Topic = "triggerDetected"
	TopicCloseProgress          Topic = "closeProgress"
	TopicCloseSucceeded         Topic = "closeSucceeded"
	TopicCloseFailed            Topic = "closeFailed"
	TopicClosePartial           Topic = "closePartial"
	TopicDataSourceSwitched     Topic = "dataSourceSwitched"
	TopicDataSourceStale        Topic = "dataSourceStale"
	TopicConnectionCountChanged Topic = "connectionCountChanged"

	// TopicBandChanged carries the Rate Aggregator's own coarse
	// green/yellow/normal signal-level classification (§4.5), distinct
	// from the Opportunity Detector's opportunityDetected/Expired
	// lifecycle events.
	TopicBandChanged Topic = "bandChanged"
)

// defaultQueueDepth bounds each subscriber's channel.
const defaultQueueDepth = 256

type subscription struct {
	ch      chan any
	mu      sync.Mutex
	dropped atomic.Int64
}

// Bus fans out events of any payload type to per-topic subscribers.
// Each Subscribe call returns a receive-only channel the caller must
// drain in its own goroutine.
type Bus struct {
	mu    sync.RWMutex
	subs  map[Topic][]*subscription
	depth int
}

// New creates an empty Bus. queueDepth <= 0 uses defaultQueueDepth.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Bus{subs: make(map[Topic][]*subscription), depth: queueDepth}
}

// Subscribe registers a new subscriber for topic and returns its
// receive channel and a DroppedCount accessor.
func (b *Bus) Subscribe(topic Topic) (<-chan any, func() int64) {
	sub := &subscription{ch: make(chan any, b.depth)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub.ch, func() int64 { return sub.dropped.Load() }
}

// Publish sends payload to every subscriber of topic. If a
// subscriber's queue is full, the oldest pending event is dropped to
// make room (drop-oldest), and the subscriber's drop counter is
// incremented.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		select {
		case sub.ch <- payload:
		default:
			// Queue full: drop the oldest entry, then enqueue.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- payload:
			default:
				sub.dropped.Add(1)
			}
		}
		sub.mu.Unlock()
	}
}

// SubscriberCount returns the number of active subscribers on topic,
// for diagnostics/tests.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
