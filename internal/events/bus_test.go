package events

import "testing"

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := New(4)
	ch1, _ := b.Subscribe(TopicRateUpdated)
	ch2, _ := b.Subscribe(TopicRateUpdated)

	b.Publish(TopicRateUpdated, "payload")

	for i, ch := range []<-chan any{ch1, ch2} {
		select {
		case got := <-ch:
			if got != "payload" {
				t.Errorf("subscriber %d received %v, want payload", i, got)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New(4)
	ch, _ := b.Subscribe(TopicExitSuggested)

	b.Publish(TopicRateUpdated, "wrong topic")

	select {
	case got := <-ch:
		t.Errorf("received %v on a topic that was never published to", got)
	default:
	}
}

func TestOverflowDropsOldestAndCounts(t *testing.T) {
	b := New(2)
	ch, dropped := b.Subscribe(TopicRateUpdated)

	b.Publish(TopicRateUpdated, 1)
	b.Publish(TopicRateUpdated, 2)
	b.Publish(TopicRateUpdated, 3) // queue full: 1 is dropped to admit 3

	if got := dropped(); got != 1 {
		t.Errorf("dropped count = %d, want 1", got)
	}

	var received []int
	draining := true
	for draining {
		select {
		case v := <-ch:
			received = append(received, v.(int))
		default:
			draining = false
		}
	}
	if len(received) != 2 || received[0] != 2 || received[1] != 3 {
		t.Errorf("received %v, want [2 3] (oldest dropped)", received)
	}
}
