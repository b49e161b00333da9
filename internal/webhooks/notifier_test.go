package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/events"
)

// ── Receiver stub ────────────────────────────────────────────────────────

type delivery struct {
	body      []byte
	signature string
	ctype     string
}

// newReceiver answers with the queued status codes, then 200 once the
// queue drains. Every request lands on the channel.
func newReceiver(t *testing.T, statuses ...int) (*httptest.Server, chan delivery) {
	t.Helper()
	got := make(chan delivery, 16)
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{
			body:      body,
			signature: r.Header.Get(SignatureHeader),
			ctype:     r.Header.Get("Content-Type"),
		}
		n := atomic.AddInt64(&calls, 1)
		if int(n) <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func waitDelivery(t *testing.T, ch chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not arrive")
		return delivery{}
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNotifier_deliveryIsSignedAndScoped(t *testing.T) {
	srv, got := newReceiver(t)
	n := NewNotifier([]Subscription{
		{Name: "trust-sink", URL: srv.URL, Topics: []string{"trust.*"}, Secret: "s3cret"},
	}, nil)
	bus := events.NewSyncBus(nil)
	detach := n.Attach(bus)

	bus.Publish(events.TopicScoreUpdated, map[string]any{
		"agent_did":   "did:mesh:0123456789abcdef0123456789abcdef",
		"total_score": 512.5,
	})
	d := waitDelivery(t, got)

	if d.ctype != "application/json" {
		t.Errorf("Content-Type = %q", d.ctype)
	}
	if !VerifySignature(d.body, "s3cret", d.signature) {
		t.Errorf("signature %q does not verify", d.signature)
	}
	var ev events.Event
	if err := json.Unmarshal(d.body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.Topic != events.TopicScoreUpdated {
		t.Errorf("Topic = %q, want %q", ev.Topic, events.TopicScoreUpdated)
	}
	if ev.Payload["total_score"] != 512.5 {
		t.Errorf("Payload[total_score] = %v", ev.Payload["total_score"])
	}

	// Identity events do not match trust.*.
	bus.Publish(events.TopicIdentityCreated, map[string]any{"agent_did": "x"})
	detach()
	n.Wait()
	if len(got) != 0 {
		t.Error("filtered topic was delivered")
	}
}

func TestNotifier_retriesUntilSuccess(t *testing.T) {
	srv, got := newReceiver(t, http.StatusInternalServerError, http.StatusBadGateway)
	var success, failure int64
	n := NewNotifier(
		[]Subscription{{Name: "flaky", URL: srv.URL}},
		nil,
		WithRetryDelays(0, 0),
		WithMetricsRecorder(func(ok bool) {
			if ok {
				atomic.AddInt64(&success, 1)
			} else {
				atomic.AddInt64(&failure, 1)
			}
		}),
	)
	bus := events.NewSyncBus(nil)
	detach := n.Attach(bus)

	bus.Publish(events.TopicAuditAppended, map[string]any{"entry_id": "e1"})
	for i := 0; i < 3; i++ {
		d := waitDelivery(t, got)
		if d.signature != "" {
			t.Errorf("attempt %d: unsigned receiver got signature %q", i+1, d.signature)
		}
	}
	detach()
	n.Wait()

	if s := atomic.LoadInt64(&success); s != 1 {
		t.Errorf("successes = %d, want 1", s)
	}
	if f := atomic.LoadInt64(&failure); f != 2 {
		t.Errorf("failures = %d, want 2", f)
	}
}

func TestNotifier_givesUpAfterRetries(t *testing.T) {
	srv, got := newReceiver(t, http.StatusInternalServerError, http.StatusInternalServerError)
	n := NewNotifier(
		[]Subscription{{Name: "dead", URL: srv.URL}},
		nil,
		WithRetryDelays(0),
	)
	bus := events.NewSyncBus(nil)
	detach := n.Attach(bus)

	bus.Publish(events.TopicPolicyViolation, map[string]any{"agent_did": "x"})
	waitDelivery(t, got)
	waitDelivery(t, got)
	detach()
	n.Wait()

	if len(got) != 0 {
		t.Error("delivery attempted past the retry budget")
	}
}

func TestNotifier_overlappingPatternsDeliverOnce(t *testing.T) {
	srv, got := newReceiver(t)
	n := NewNotifier([]Subscription{
		{Name: "greedy", URL: srv.URL, Topics: []string{"trust.*", "*"}},
	}, nil)
	bus := events.NewSyncBus(nil)
	detach := n.Attach(bus)

	bus.Publish(events.TopicHandshakeCompleted, map[string]any{"peer": "y"})
	waitDelivery(t, got)
	detach()
	n.Wait()

	if len(got) != 0 {
		t.Error("event delivered more than once to the same receiver")
	}
}

func TestNotifier_fanoutAcrossReceivers(t *testing.T) {
	srvA, gotA := newReceiver(t)
	srvB, gotB := newReceiver(t)
	n := NewNotifier([]Subscription{
		{Name: "a", URL: srvA.URL, Topics: []string{"identity.*"}},
		{Name: "b", URL: srvB.URL, Topics: []string{"identity.agent.revoked"}},
	}, nil)
	bus := events.NewSyncBus(nil)
	detach := n.Attach(bus)
	defer detach()

	bus.Publish(events.TopicIdentityRevoked, map[string]any{"agent_did": "x"})
	waitDelivery(t, gotA)
	waitDelivery(t, gotB)
}

func TestNotifier_dropsReceiverWithoutURL(t *testing.T) {
	n := NewNotifier([]Subscription{{Name: "misconfigured"}}, nil)
	if len(n.subs) != 0 {
		t.Errorf("kept %d receivers, want 0", len(n.subs))
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"topic":"trust.score.updated"}`)
	sig := sign(body, "secret")

	if !VerifySignature(body, "secret", sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(body, "wrong", sig) {
		t.Error("wrong secret accepted")
	}
	if VerifySignature([]byte(`{"topic":"tampered"}`), "secret", sig) {
		t.Error("tampered body accepted")
	}
}
