package handshake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/pkg/did"
)

type fixture struct {
	t      *testing.T
	now    time.Time
	store  *identity.Store
	broker *Broker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{t: t, now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	nowFn := func() time.Time { return f.now }
	f.store = identity.NewStore(identity.WithNowFunc(nowFn))
	opts = append([]Option{WithNowFunc(nowFn)}, opts...)
	f.broker = NewBroker(f.store, opts...)
	return f
}

func (f *fixture) register(name string, caps ...string) (*identity.Identity, *crypto.KeySigner) {
	f.t.Helper()
	id, priv, err := f.store.Create(context.Background(), identity.RegistrationParams{
		Name:         name,
		Organization: "acme",
		SponsorEmail: name + "@acme.example",
		Capabilities: caps,
	})
	if err != nil {
		f.t.Fatalf("register %s: %v", name, err)
	}
	return id, crypto.NewKeySigner(priv)
}

func (f *fixture) local(id *identity.Identity, signer *crypto.KeySigner, score float64) LocalAgent {
	return LocalAgent{
		DID:          id.DID,
		Capabilities: id.Capabilities,
		TrustScore:   score,
		Signer:       signer,
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	f := newFixture(t)
	bobID, bobSigner := f.register("bob", "code.review", "deploy.staging")

	peer := &LoopbackPeer{Agent: f.local(bobID, bobSigner, 500), Broker: f.broker}
	res, err := f.broker.Handshake(context.Background(), peer, Requirements{
		RequiredTrustScore:   400,
		RequiredCapabilities: []string{"code.review"},
	})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !res.Verified {
		t.Fatalf("handshake rejected: %s", res.RejectionReason)
	}
	if res.PeerDID != bobID.DID {
		t.Errorf("peer = %s, want %s", res.PeerDID, bobID.DID)
	}
	if res.TrustScore != 500 {
		t.Errorf("trust score = %v, want 500", res.TrustScore)
	}
	if res.LatencyMS < 0 {
		t.Errorf("latency = %v, want >= 0", res.LatencyMS)
	}
	if res.CompletedAt.IsZero() {
		t.Error("completed_at is zero")
	}
	if f.broker.PendingChallenges() != 0 {
		t.Errorf("pending challenges = %d, want 0", f.broker.PendingChallenges())
	}
}

func TestHandshakeSymmetric(t *testing.T) {
	f := newFixture(t)
	nowFn := func() time.Time { return f.now }
	aliceID, aliceSigner := f.register("alice", "code.review")
	bobID, bobSigner := f.register("bob", "code.review")

	brokerA := NewBroker(f.store, WithNowFunc(nowFn))
	brokerB := NewBroker(f.store, WithNowFunc(nowFn))

	fromA, err := brokerA.Handshake(context.Background(),
		&LoopbackPeer{Agent: f.local(bobID, bobSigner, 500), Broker: brokerB},
		Requirements{})
	if err != nil || !fromA.Verified {
		t.Fatalf("A -> B handshake: verified=%v err=%v", fromA != nil && fromA.Verified, err)
	}

	fromB, err := brokerB.Handshake(context.Background(),
		&LoopbackPeer{Agent: f.local(aliceID, aliceSigner, 500), Broker: brokerA},
		Requirements{})
	if err != nil || !fromB.Verified {
		t.Fatalf("B -> A handshake: verified=%v err=%v", fromB != nil && fromB.Verified, err)
	}
}

func TestHandshakeCacheHit(t *testing.T) {
	f := newFixture(t)
	bobID, bobSigner := f.register("bob", "code.review")
	peer := &LoopbackPeer{Agent: f.local(bobID, bobSigner, 500), Broker: f.broker}

	first, err := f.broker.Handshake(context.Background(), peer, Requirements{})
	if err != nil {
		t.Fatalf("first handshake: %v", err)
	}
	second, err := f.broker.Handshake(context.Background(), peer, Requirements{})
	if err != nil {
		t.Fatalf("second handshake: %v", err)
	}
	if first != second {
		t.Error("second handshake did not return the cached result")
	}

	f.broker.InvalidateCache(bobID.DID)
	if _, ok := f.broker.CachedResult(bobID.DID); ok {
		t.Error("cache still holds result after invalidation")
	}
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	bobID, _ := f.register("bob", "code.review")
	_, otherSigner := f.register("mallory", "code.review")

	// Bob's DID presented with a signature from Mallory's key: the stated
	// key verifies the signature, so the binding check must catch it.
	agent := f.local(bobID, otherSigner, 500)
	peer := &LoopbackPeer{Agent: agent, Broker: f.broker}

	res, err := f.broker.Handshake(context.Background(), peer, Requirements{})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.Verified {
		t.Fatal("handshake with unbound key verified")
	}
	if res.RejectionReason != "public key not bound to DID" {
		t.Errorf("reason = %q, want key binding rejection", res.RejectionReason)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	f := newFixture(t)
	bobID, bobSigner := f.register("bob", "code.review")

	ch, err := f.broker.NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	resp, err := f.broker.Respond(context.Background(), ch, f.local(bobID, bobSigner, 500))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	resp.ResponseNonce = resp.ResponseNonce + "x"

	res, err := f.broker.Verify(context.Background(), resp, Requirements{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Verified || res.RejectionReason != "signature invalid" {
		t.Errorf("verified=%v reason=%q, want signature invalid", res.Verified, res.RejectionReason)
	}
}

func TestHandshakeRejectsLowTrust(t *testing.T) {
	f := newFixture(t)
	bobID, bobSigner := f.register("bob", "code.review")
	peer := &LoopbackPeer{Agent: f.local(bobID, bobSigner, 250), Broker: f.broker}

	res, err := f.broker.Handshake(context.Background(), peer, Requirements{RequiredTrustScore: 400})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.Verified {
		t.Fatal("low-trust peer verified")
	}
	if !strings.Contains(res.RejectionReason, "trust score") {
		t.Errorf("reason = %q, want trust score rejection", res.RejectionReason)
	}
}

func TestHandshakeRejectsMissingCapabilities(t *testing.T) {
	f := newFixture(t)
	bobID, bobSigner := f.register("bob", "code.review")
	peer := &LoopbackPeer{Agent: f.local(bobID, bobSigner, 500), Broker: f.broker}

	res, err := f.broker.Handshake(context.Background(), peer, Requirements{
		RequiredCapabilities: []string{"deploy.production"},
	})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.Verified {
		t.Fatal("peer without required capability verified")
	}
	if !strings.Contains(res.RejectionReason, "missing required capabilities") {
		t.Errorf("reason = %q", res.RejectionReason)
	}
}

func TestHandshakeRejectsRevokedPeer(t *testing.T) {
	f := newFixture(t)
	bobID, bobSigner := f.register("bob", "code.review")
	if _, err := f.store.Revoke(context.Background(), bobID.DID, "policy breach", "admin", nil); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	peer := &LoopbackPeer{Agent: f.local(bobID, bobSigner, 500), Broker: f.broker}
	res, err := f.broker.Handshake(context.Background(), peer, Requirements{})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.Verified {
		t.Fatal("revoked peer verified")
	}
	if res.RejectionReason != "peer revoked" {
		t.Errorf("reason = %q, want %q", res.RejectionReason, "peer revoked")
	}
}

func TestHandshakeRejectsUnregisteredPeer(t *testing.T) {
	f := newFixture(t)
	pub, priv, err := crypto.GenerateKeypair(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	ghost := did.Derive("ghost", "nowhere", pub[:8], f.now)

	agent := LocalAgent{
		DID:          ghost,
		Capabilities: []string{"code.review"},
		TrustScore:   500,
		Signer:       crypto.NewKeySigner(priv),
	}
	peer := &LoopbackPeer{Agent: agent, Broker: f.broker}

	res, err := f.broker.Handshake(context.Background(), peer, Requirements{})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.Verified || res.RejectionReason != "peer not registered" {
		t.Errorf("verified=%v reason=%q", res.Verified, res.RejectionReason)
	}
}

func TestVerifyConsumesChallenge(t *testing.T) {
	f := newFixture(t)
	bobID, bobSigner := f.register("bob", "code.review")

	ch, err := f.broker.NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	resp, err := f.broker.Respond(context.Background(), ch, f.local(bobID, bobSigner, 500))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	if _, err := f.broker.Verify(context.Background(), resp, Requirements{}); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	_, err = f.broker.Verify(context.Background(), resp, Requirements{})
	if !errors.Is(err, ErrUnknownChallenge) {
		t.Errorf("replayed verify = %v, want ErrUnknownChallenge", err)
	}
}

func TestRespondRejectsSkewedChallenge(t *testing.T) {
	f := newFixture(t)
	bobID, bobSigner := f.register("bob", "code.review")

	ch, err := f.broker.NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	f.now = f.now.Add(90 * time.Second)

	_, err = f.broker.Respond(context.Background(), ch, f.local(bobID, bobSigner, 500))
	if !errors.Is(err, ErrSkew) {
		t.Errorf("respond after 90s = %v, want ErrSkew", err)
	}
}

func TestRespondRejectsExpiredChallenge(t *testing.T) {
	f := newFixture(t, WithChallengeTTL(time.Second))
	bobID, bobSigner := f.register("bob", "code.review")

	ch, err := f.broker.NewChallenge()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}
	f.now = f.now.Add(30 * time.Second)

	_, err = f.broker.Respond(context.Background(), ch, f.local(bobID, bobSigner, 500))
	if !errors.Is(err, ErrChallengeExpired) {
		t.Errorf("respond after expiry = %v, want ErrChallengeExpired", err)
	}
}

type blockingPeer struct {
	d did.DID
}

func (p blockingPeer) DID() did.DID { return p.d }

func (p blockingPeer) Respond(ctx context.Context, _ *Challenge) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandshakeTimeout(t *testing.T) {
	store := identity.NewStore()
	broker := NewBroker(store, WithTimeout(30*time.Millisecond))
	peer := blockingPeer{d: did.MustParse("did:mesh:" + strings.Repeat("a", 32))}

	res, err := broker.Handshake(context.Background(), peer, Requirements{})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.Verified || res.RejectionReason != "timeout" {
		t.Errorf("verified=%v reason=%q, want timeout", res.Verified, res.RejectionReason)
	}
	if _, ok := broker.CachedResult(peer.d); !ok {
		t.Error("timeout result not cached")
	}
}

func TestHandshakeCancelledNotCached(t *testing.T) {
	store := identity.NewStore()
	broker := NewBroker(store)
	peer := blockingPeer{d: did.MustParse("did:mesh:" + strings.Repeat("b", 32))}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := broker.Handshake(ctx, peer, Requirements{})
	if err == nil {
		t.Fatal("cancelled handshake returned a result")
	}
	if _, ok := broker.CachedResult(peer.d); ok {
		t.Error("cancelled handshake left a cache entry")
	}
}

func TestFailureCacheExpiresQuickly(t *testing.T) {
	store := identity.NewStore()
	broker := NewBroker(store,
		WithTimeout(10*time.Millisecond),
		WithFailureTTL(30*time.Millisecond))
	peer := blockingPeer{d: did.MustParse("did:mesh:" + strings.Repeat("c", 32))}

	if _, err := broker.Handshake(context.Background(), peer, Requirements{}); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if _, ok := broker.CachedResult(peer.d); !ok {
		t.Fatal("failure not cached")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := broker.CachedResult(peer.d); ok {
		t.Error("failure cache entry outlived its TTL")
	}
}

func TestFailureTTLCapped(t *testing.T) {
	store := identity.NewStore()
	broker := NewBroker(store, WithFailureTTL(10*time.Minute))
	if broker.failureTTL != DefaultFailureTTL {
		t.Errorf("failure TTL = %v, want capped at %v", broker.failureTTL, DefaultFailureTTL)
	}
}

func TestHandshakePeerIdentityMismatch(t *testing.T) {
	f := newFixture(t)
	aliceID, _ := f.register("alice", "code.review")
	bobID, bobSigner := f.register("bob", "code.review")

	// Dialed Alice, but Bob answers with his own (valid) material.
	peer := &mismatchPeer{
		claimed: aliceID.DID,
		agent:   f.local(bobID, bobSigner, 500),
		broker:  f.broker,
	}
	res, err := f.broker.Handshake(context.Background(), peer, Requirements{})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.Verified || res.RejectionReason != "peer identity mismatch" {
		t.Errorf("verified=%v reason=%q", res.Verified, res.RejectionReason)
	}
}

type mismatchPeer struct {
	claimed did.DID
	agent   LocalAgent
	broker  *Broker
}

func (p *mismatchPeer) DID() did.DID { return p.claimed }

func (p *mismatchPeer) Respond(ctx context.Context, ch *Challenge) (*Response, error) {
	return p.broker.Respond(ctx, ch, p.agent)
}
