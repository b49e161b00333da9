package service

// Scenario tests drive several engines through the facades at once, wired
// the way cmd/meshd assembles them but against a mesh.Context carrying a
// fake clock, so a story can jump forward in time without sleeping.

import (
	"context"
	"crypto/ed25519"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/credential"
	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/reward"
	"github.com/agentmesh/agentmesh/internal/scopechain"
)

type scenario struct {
	mc      *mesh.Context
	clock   *mesh.FakeClock
	ids     *identity.Store
	creds   *credential.Manager
	broker  *handshake.Broker
	rewards *reward.Engine
	journal *audit.Log
	chains  *scopechain.Store
	svcs    *Services
}

func newScenario(t *testing.T) *scenario {
	t.Helper()
	clock := mesh.NewFakeClock(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	mc := mesh.NewContext()
	mc.Clock = clock

	ids := identity.NewStore(
		identity.WithKV(mc.KV),
		identity.WithRand(mc.Rand),
		identity.WithNowFunc(mc.Now),
	)
	creds := credential.NewManager(ids, credential.WithNowFunc(mc.Now))
	broker := handshake.NewBroker(ids, handshake.WithNowFunc(mc.Now))
	hash, err := reward.HashAttestation(adminSecret)
	if err != nil {
		t.Fatalf("hash attestation: %v", err)
	}
	rewards, err := reward.NewEngine(
		reward.WithNowFunc(mc.Now),
		reward.WithBus(mc.Bus),
		reward.WithStatusController(NewStatusBridge(ids, creds, broker, nil)),
		reward.WithAdminAttestation(hash),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	journal := audit.NewLog(audit.WithNowFunc(mc.Now), audit.WithBus(mc.Bus))
	chains := scopechain.NewStore()

	svcs, err := New(Deps{
		Identities:  ids,
		Credentials: creds,
		Rewards:     rewards,
		Audit:       journal,
		Broker:      broker,
		Chains:      chains,
		Bus:         mc.Bus,
		Log:         mc.Logger(),
	})
	if err != nil {
		t.Fatalf("new services: %v", err)
	}
	return &scenario{
		mc:      mc,
		clock:   clock,
		ids:     ids,
		creds:   creds,
		broker:  broker,
		rewards: rewards,
		journal: journal,
		chains:  chains,
		svcs:    svcs,
	}
}

func (s *scenario) enroll(t *testing.T, name string, caps []string) (*identity.Identity, ed25519.PrivateKey) {
	t.Helper()
	id, key, err := s.svcs.Registry.Register(context.Background(), identity.RegistrationParams{
		Name:         name,
		Organization: "acme",
		SponsorEmail: name + "@acme.dev",
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return id, key
}

// peer wraps an enrolled agent as a handshake responder reporting its
// live score from the reward engine.
func (s *scenario) peer(t *testing.T, id *identity.Identity, key ed25519.PrivateKey) *handshake.LoopbackPeer {
	t.Helper()
	score, err := s.svcs.Reward.Score(id.DID)
	if err != nil {
		t.Fatalf("score for %s: %v", id.Name, err)
	}
	return &handshake.LoopbackPeer{
		Agent: handshake.LocalAgent{
			DID:          id.DID,
			Capabilities: id.Capabilities,
			TrustScore:   score.TotalScore,
			Signer:       crypto.NewKeySigner(key),
		},
		Broker: s.broker,
	}
}

// Two agents verify each other, then one hands a narrowed slice of its
// capabilities to a third and files the chain with the registry.
func TestCollaborationScenario(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()
	caps := []string{"read", "write", "execute"}

	alice, aliceKey := s.enroll(t, "alice", caps)
	bob, bobKey := s.enroll(t, "bob", caps)
	carol, _ := s.enroll(t, "carol", []string{"read"})

	directions := []struct {
		name string
		peer *handshake.LoopbackPeer
	}{
		{"alice verifies bob", s.peer(t, bob, bobKey)},
		{"bob verifies alice", s.peer(t, alice, aliceKey)},
	}
	for _, d := range directions {
		res, err := s.broker.Handshake(ctx, d.peer, handshake.Requirements{})
		if err != nil {
			t.Fatalf("%s: %v", d.name, err)
		}
		if !res.Verified {
			t.Fatalf("%s: rejected: %s", d.name, res.RejectionReason)
		}
		if _, err := s.svcs.Audit.LogHandshake(ctx, res); err != nil {
			t.Fatalf("journal handshake: %v", err)
		}
	}

	var added []events.Event
	s.mc.Bus.Subscribe(events.TopicDelegationAdded, func(ev events.Event) {
		added = append(added, ev)
	})

	chain, err := scopechain.NewChain(bob.SponsorEmail, bob.DID, caps,
		crypto.NewKeySigner(bobKey), scopechain.WithNowFunc(s.mc.Now))
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	link, err := chain.NewLink(carol.DID, []string{"read"}, crypto.NewKeySigner(bobKey), nil)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	if err := chain.AddLink(link); err != nil {
		t.Fatalf("add link: %v", err)
	}
	if err := s.svcs.Registry.RecordDelegation(ctx, chain); err != nil {
		t.Fatalf("record delegation: %v", err)
	}

	if err := chain.Verify(ctx, s.ids); err != nil {
		t.Errorf("chain verify: %v", err)
	}
	if got := chain.EffectiveCapabilities(); !reflect.DeepEqual(got, []string{"read"}) {
		t.Errorf("effective capabilities = %v, want [read]", got)
	}
	if got := len(chain.TraceCapability("read")); got != 2 {
		t.Errorf("read trace = %d links, want 2", got)
	}
	if got := s.chains.ByLeaf(carol.DID); len(got) != 1 {
		t.Fatalf("chains filed for carol = %d, want 1", len(got))
	}
	if len(added) != 1 {
		t.Errorf("delegation events = %d, want 1", len(added))
	}
	e := lastEntry(t, s.journal)
	if e.EventType != "delegation.added" || e.AgentDID != carol.DID {
		t.Errorf("journal entry = %s for %s", e.EventType, e.AgentDID)
	}
	if e.Data["parent_did"] != string(bob.DID) {
		t.Errorf("journaled parent = %v, want %s", e.Data["parent_did"], bob.DID)
	}
}

func TestRecordDelegationRejects(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()

	bob, bobKey := s.enroll(t, "bob", []string{"read", "write"})

	t.Run("foreign signature", func(t *testing.T) {
		carol, carolKey := s.enroll(t, "carol", []string{"read"})
		chain, err := scopechain.NewChain(bob.SponsorEmail, bob.DID, []string{"read", "write"},
			crypto.NewKeySigner(bobKey), scopechain.WithNowFunc(s.mc.Now))
		if err != nil {
			t.Fatalf("new chain: %v", err)
		}
		// Signed by the delegate instead of the delegator. Linkage and
		// hashes stay consistent, so only signature verification can
		// catch it.
		link, err := chain.NewLink(carol.DID, []string{"read"}, crypto.NewKeySigner(carolKey), nil)
		if err != nil {
			t.Fatalf("new link: %v", err)
		}
		if err := chain.AddLink(link); err != nil {
			t.Fatalf("add link: %v", err)
		}
		err = s.svcs.Registry.RecordDelegation(ctx, chain)
		if err == nil || !strings.Contains(err.Error(), "signature invalid") {
			t.Errorf("record forged chain = %v, want signature invalid", err)
		}
		if got := s.chains.ByLeaf(carol.DID); len(got) != 0 {
			t.Errorf("forged chain was filed: %d", len(got))
		}
	})

	t.Run("revoked delegate", func(t *testing.T) {
		dave, _ := s.enroll(t, "dave", []string{"read"})
		if _, err := s.svcs.Registry.Revoke(ctx, dave.DID, "compromised", "admin"); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		chain, err := scopechain.NewChain(bob.SponsorEmail, bob.DID, []string{"read", "write"},
			crypto.NewKeySigner(bobKey), scopechain.WithNowFunc(s.mc.Now))
		if err != nil {
			t.Fatalf("new chain: %v", err)
		}
		link, err := chain.NewLink(dave.DID, []string{"read"}, crypto.NewKeySigner(bobKey), nil)
		if err != nil {
			t.Fatalf("new link: %v", err)
		}
		if err := chain.AddLink(link); err != nil {
			t.Fatalf("add link: %v", err)
		}
		err = s.svcs.Registry.RecordDelegation(ctx, chain)
		if err == nil || !strings.Contains(err.Error(), "revoked") {
			t.Errorf("record chain for revoked delegate = %v, want revoked", err)
		}
	})

	t.Run("store not configured", func(t *testing.T) {
		bare, err := New(Deps{
			Identities:  s.ids,
			Credentials: s.creds,
			Rewards:     s.rewards,
			Audit:       s.journal,
		})
		if err != nil {
			t.Fatalf("new services: %v", err)
		}
		chain, err := scopechain.NewChain(bob.SponsorEmail, bob.DID, []string{"read"},
			crypto.NewKeySigner(bobKey), scopechain.WithNowFunc(s.mc.Now))
		if err != nil {
			t.Fatalf("new chain: %v", err)
		}
		if err := bare.Registry.RecordDelegation(ctx, chain); err == nil {
			t.Error("delegation filed without a chain store")
		}
	})
}

// Advancing the shared clock expires credentials everywhere at once.
func TestCredentialExpiresOverScenarioTime(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()
	id, _ := s.enroll(t, "alice", []string{"read"})

	cred, err := s.svcs.Registry.IssueCredential(ctx, id.DID, 10*time.Minute, []string{"read"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := s.creds.Validate(ctx, cred.Token); err != nil {
		t.Fatalf("fresh credential rejected: %v", err)
	}

	s.clock.Advance(10*time.Minute + time.Second)
	if _, err := s.creds.Validate(ctx, cred.Token); err == nil {
		t.Error("credential validates past its expiry")
	}
}
