package ratelimit

import (
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/pkg/did"
)

var (
	agentA = did.MustParse("did:mesh:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	agentB = did.MustParse("did:mesh:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// frozenClock returns a controllable now func.
func frozenClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}
}

func TestAllowWithinBurst(t *testing.T) {
	nowFn, _ := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLimiter(DefaultConfig(), WithNowFunc(nowFn))

	for i := 0; i < DefaultAgentBurst; i++ {
		if !l.Allow(agentA) {
			t.Fatalf("request %d denied inside burst", i)
		}
	}
	if l.Allow(agentA) {
		t.Error("request beyond burst allowed")
	}
}

func TestRefillRestoresCapacity(t *testing.T) {
	nowFn, advance := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := Config{AgentRate: 10, AgentBurst: 10, GlobalRate: 1000, GlobalBurst: 1000}
	l := NewLimiter(cfg, WithNowFunc(nowFn))

	for i := 0; i < 10; i++ {
		l.Allow(agentA)
	}
	if l.Allow(agentA) {
		t.Fatal("exhausted bucket allowed a request")
	}

	advance(time.Second) // 10 tok/s, one second restores ten tokens
	for i := 0; i < 10; i++ {
		if !l.Allow(agentA) {
			t.Fatalf("request %d denied after refill", i)
		}
	}
}

func TestGlobalBucketConstrainsAllAgents(t *testing.T) {
	nowFn, advance := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := Config{AgentRate: 100, AgentBurst: 100, GlobalRate: 1, GlobalBurst: 3}
	l := NewLimiter(cfg, WithNowFunc(nowFn))

	for i := 0; i < 3; i++ {
		if !l.Allow(agentA) {
			t.Fatalf("request %d denied inside global burst", i)
		}
	}

	res := l.Check(agentB)
	if res.Allowed {
		t.Fatal("agentB admitted with global bucket empty")
	}
	if res.Scope != ScopeGlobal {
		t.Errorf("denial scope = %q, want %q", res.Scope, ScopeGlobal)
	}

	// The per-agent token taken before the global denial must have been
	// returned: after a refill agentB still has its full burst available.
	advance(time.Second)
	res = l.Check(agentB)
	if !res.Allowed {
		t.Fatal("agentB denied after global refill")
	}
	if got, want := res.Remaining, 0.0; got != want {
		t.Errorf("Remaining = %v, want %v (global drained again)", got, want)
	}

	l.mu.Lock()
	agentTokens := l.agents[agentB].lim.TokensAt(nowFn())
	l.mu.Unlock()
	if got, want := agentTokens, 99.0; got != want {
		t.Errorf("agentB bucket = %v tokens, want %v (one admission, no leak)", got, want)
	}
}

func TestRetryAfterReflectsRefillRate(t *testing.T) {
	nowFn, _ := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := Config{AgentRate: 5, AgentBurst: 5, GlobalRate: 1000, GlobalBurst: 2000}
	l := NewLimiter(cfg, WithNowFunc(nowFn))

	for i := 0; i < 5; i++ {
		res := l.Check(agentA)
		if !res.Allowed {
			t.Fatalf("request %d denied inside burst", i)
		}
		if res.RetryAfter != 0 {
			t.Errorf("request %d: RetryAfter = %v on an allowed request", i, res.RetryAfter)
		}
	}

	res := l.Check(agentA)
	if res.Allowed {
		t.Fatal("sixth request allowed")
	}
	if math.Abs(res.RetryAfter-0.2) > 0.01 {
		t.Errorf("RetryAfter = %v, want ~0.2 (one token at 5 tok/s)", res.RetryAfter)
	}
	if res.Scope != ScopeAgent {
		t.Errorf("denial scope = %q, want %q", res.Scope, ScopeAgent)
	}
}

func TestBackpressureThreshold(t *testing.T) {
	nowFn, _ := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := Config{
		AgentRate:             1,
		AgentBurst:            10,
		GlobalRate:            1000,
		GlobalBurst:           1000,
		BackpressureThreshold: 0.5,
	}
	l := NewLimiter(cfg, WithNowFunc(nowFn))

	// Five consumptions leave exactly half the capacity: not yet under
	// pressure. The sixth crosses the line.
	var res Result
	for i := 0; i < 5; i++ {
		res = l.Check(agentA)
	}
	if res.Backpressure {
		t.Errorf("Backpressure = true at remaining %v of 10", res.Remaining)
	}

	res = l.Check(agentA)
	if !res.Backpressure {
		t.Errorf("Backpressure = false at remaining %v of 10", res.Remaining)
	}
	if got, want := res.Remaining, 4.0; got != want {
		t.Errorf("Remaining = %v, want %v", got, want)
	}
}

func TestRemainingTracksSmallerBucket(t *testing.T) {
	nowFn, _ := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := Config{AgentRate: 1, AgentBurst: 20, GlobalRate: 1, GlobalBurst: 3}
	l := NewLimiter(cfg, WithNowFunc(nowFn))

	res := l.Check(agentA)
	if got, want := res.Remaining, 2.0; got != want {
		t.Errorf("Remaining = %v, want %v", got, want)
	}
}

func TestReset(t *testing.T) {
	nowFn, _ := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := Config{AgentRate: 1, AgentBurst: 2, GlobalRate: 1000, GlobalBurst: 1000}
	l := NewLimiter(cfg, WithNowFunc(nowFn))

	l.Allow(agentA)
	l.Allow(agentA)
	if l.Allow(agentA) {
		t.Fatal("request beyond burst allowed")
	}

	l.Reset()
	if l.AgentCount() != 0 {
		t.Errorf("AgentCount() = %d after Reset, want 0", l.AgentCount())
	}
	if !l.Allow(agentA) {
		t.Error("request denied after Reset")
	}
}

func TestDenialPublishesEvent(t *testing.T) {
	nowFn, _ := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	bus := events.NewSyncBus(zap.NewNop())
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(events.TopicRateLimited, func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	cfg := Config{AgentRate: 1, AgentBurst: 1, GlobalRate: 1000, GlobalBurst: 1000}
	l := NewLimiter(cfg, WithNowFunc(nowFn), WithBus(bus))

	l.Allow(agentA)
	l.Allow(agentA)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("rejection events = %d, want 1", len(got))
	}
	if got[0].Payload["agent_did"] != string(agentA) {
		t.Errorf("event agent_did = %v, want %s", got[0].Payload["agent_did"], agentA)
	}
}

func TestStaleBucketsSwept(t *testing.T) {
	nowFn, advance := frozenClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewLimiter(DefaultConfig(), WithNowFunc(nowFn))

	l.Allow(agentA)
	if l.AgentCount() != 1 {
		t.Fatalf("AgentCount() = %d, want 1", l.AgentCount())
	}

	advance(staleAfter + time.Minute)
	l.Allow(agentB)
	if l.AgentCount() != 1 {
		t.Errorf("AgentCount() = %d after sweep, want 1 (agentA dropped)", l.AgentCount())
	}
}

func TestConcurrentAdmission(t *testing.T) {
	l := NewLimiter(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d := agentA
			if n%2 == 0 {
				d = agentB
			}
			for j := 0; j < 100; j++ {
				l.Check(d)
			}
		}(i)
	}
	wg.Wait()
}
