package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/kvstore"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"trust.*", "trust.handshake.completed", true},
		{"trust.*", "trust.score.updated", true},
		{"trust.*", "policy.evaluated", false},
		{"*", "anything.at.all", true},
		{"policy.evaluated", "policy.evaluated", true},
		{"policy.evaluated", "policy.violation", false},
		{"audit.entry.appended", "audit.entry", false},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("Match(%q, %q): got %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestSyncBus_deliveryOrderAndFiltering(t *testing.T) {
	bus := NewSyncBus(nil)

	var trust []string
	var all []string
	bus.Subscribe("trust.*", func(e Event) { trust = append(trust, e.Topic) })
	bus.Subscribe("*", func(e Event) { all = append(all, e.Topic) })

	bus.Publish(TopicHandshakeCompleted, nil)
	bus.Publish(TopicPolicyEvaluated, nil)
	bus.Publish(TopicScoreUpdated, map[string]any{"did": "did:mesh:00000000000000000000000000000000"})

	if len(trust) != 2 || trust[0] != TopicHandshakeCompleted || trust[1] != TopicScoreUpdated {
		t.Errorf("trust.* received %v", trust)
	}
	if len(all) != 3 {
		t.Errorf("* received %d events, want 3", len(all))
	}
}

func TestSyncBus_unsubscribeIdempotent(t *testing.T) {
	bus := NewSyncBus(nil)

	n := 0
	unsub := bus.Subscribe("*", func(Event) { n++ })
	bus.Publish("a", nil)
	unsub()
	unsub()
	bus.Publish("b", nil)

	if n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

func TestSyncBus_panickingHandlerIsolated(t *testing.T) {
	bus := NewSyncBus(nil)

	var after int
	bus.Subscribe("*", func(Event) { panic("boom") })
	bus.Subscribe("*", func(Event) { after++ })

	bus.Publish("x", nil)
	if after != 1 {
		t.Errorf("handler after panicking one ran %d times, want 1", after)
	}
}

func TestSyncBus_subscribeDuringDelivery(t *testing.T) {
	bus := NewSyncBus(nil)

	var lateCalls int
	bus.Subscribe("*", func(Event) {
		bus.Subscribe("*", func(Event) { lateCalls++ })
	})

	bus.Publish("first", nil)
	if lateCalls != 0 {
		t.Errorf("late subscriber saw the event that registered it")
	}
	bus.Publish("second", nil)
	if lateCalls != 1 {
		t.Errorf("late subscriber ran %d times for second event, want 1", lateCalls)
	}
}

func TestAsyncBus_deliversInBackground(t *testing.T) {
	bus := NewAsyncBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	bus.Subscribe("trust.*", func(e Event) {
		mu.Lock()
		got = append(got, e.Topic)
		mu.Unlock()
	})

	bus.Publish(TopicHandshakeCompleted, nil)
	bus.Publish(TopicScoreUpdated, nil)
	bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != TopicHandshakeCompleted || got[1] != TopicScoreUpdated {
		t.Errorf("received %v", got)
	}
}

func TestAsyncBus_dropOldestOnOverflow(t *testing.T) {
	bus := NewAsyncBus(nil, WithQueueSize(4))
	defer bus.Close()

	var mu sync.Mutex
	started := make(chan struct{})
	release := make(chan struct{})
	var got []string
	bus.Subscribe("*", func(e Event) {
		mu.Lock()
		got = append(got, e.Topic)
		n := len(got)
		mu.Unlock()
		if n == 1 {
			close(started)
			<-release
		}
	})

	bus.Publish("e0", nil)
	<-started // drain loop now blocked inside handler for e0

	for i := 1; i <= 6; i++ {
		bus.Publish(fmt.Sprintf("e%d", i), nil)
	}
	close(release)
	bus.Flush()

	if bus.Dropped() == 0 {
		t.Fatal("expected drops with queue size 4 and 6 pending events")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[len(got)-1] != "e6" {
		t.Errorf("newest event lost: tail is %q, want e6", got[len(got)-1])
	}
}

func TestAsyncBus_slowHandlerDoesNotStallDrain(t *testing.T) {
	bus := NewAsyncBus(nil, WithHandlerTimeout(20*time.Millisecond))
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe("slow.*", func(Event) { <-block })

	var fastSeen bool
	var mu sync.Mutex
	bus.Subscribe("fast.*", func(Event) {
		mu.Lock()
		fastSeen = true
		mu.Unlock()
	})

	bus.Publish("slow.one", nil)
	bus.Publish("fast.one", nil)
	bus.Flush()
	close(block)

	mu.Lock()
	defer mu.Unlock()
	if !fastSeen {
		t.Error("fast handler starved by slow subscriber")
	}
}

func TestAsyncBus_publishAfterCloseIsNoop(t *testing.T) {
	bus := NewAsyncBus(nil)
	bus.Close()
	bus.Publish("x", nil) // must not panic
	bus.Close()           // idempotent
}

func TestKVBridge_relaysWithoutLooping(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()

	busA := NewSyncBus(nil)
	busB := NewSyncBus(nil)

	bridgeA := NewKVBridge(busA, mem, nil)
	bridgeB := NewKVBridge(busB, mem, nil)
	if err := bridgeA.Start(ctx); err != nil {
		t.Fatalf("bridgeA.Start: %v", err)
	}
	if err := bridgeB.Start(ctx); err != nil {
		t.Fatalf("bridgeB.Start: %v", err)
	}
	defer bridgeA.Close()
	defer bridgeB.Close()

	var seenB []string
	busB.Subscribe("trust.*", func(e Event) { seenB = append(seenB, e.Topic) })

	busA.Publish(TopicScoreUpdated, map[string]any{"total": 512.0})

	if len(seenB) != 1 || seenB[0] != TopicScoreUpdated {
		t.Fatalf("bus B received %v, want one %s", seenB, TopicScoreUpdated)
	}
}
