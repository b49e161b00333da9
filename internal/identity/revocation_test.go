package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/kvstore"
	"github.com/agentmesh/agentmesh/pkg/did"
)

func TestRevocationList_sweepPrunesOnlyExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := identity.NewRevocationList(func() time.Time { return now })

	permanent := did.MustParse("did:mesh:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	temporary := did.MustParse("did:mesh:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	l.Add(permanent, "compromise", "admin", nil)
	exp := now.Add(10 * time.Minute)
	l.Add(temporary, "cooldown", "admin", &exp)

	if n := l.Sweep(); n != 0 {
		t.Errorf("Sweep before expiry removed %d entries", n)
	}

	now = now.Add(time.Hour)
	if n := l.Sweep(); n != 1 {
		t.Errorf("Sweep after expiry removed %d entries, want 1", n)
	}
	if !l.IsRevoked(permanent) {
		t.Error("permanent revocation lost in sweep")
	}
	if l.IsRevoked(temporary) {
		t.Error("expired revocation still reported")
	}
	if l.Len() != 1 {
		t.Errorf("Len: got %d, want 1", l.Len())
	}
}

func TestRevocationList_correctWithoutSweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := identity.NewRevocationList(func() time.Time { return now })

	d := did.MustParse("did:mesh:cccccccccccccccccccccccccccccccc")
	exp := now.Add(time.Minute)
	l.Add(d, "cooldown", "admin", &exp)

	now = now.Add(2 * time.Minute)
	// No Sweep call: the query itself must re-check expiry.
	if l.IsRevoked(d) {
		t.Error("IsRevoked true after expiry without sweep")
	}
}

// failingKV always errors; used to prove persistence is non-fatal.
type failingKV struct{ kvstore.Store }

func (failingKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("backend down")
}

func TestStore_persistFailureIsNonFatal(t *testing.T) {
	s := identity.NewStore(identity.WithKV(failingKV{}))

	id, _, err := s.Create(context.Background(), identity.RegistrationParams{
		Name:         "resilient",
		SponsorEmail: "ops@acme.test",
	})
	if err != nil {
		t.Fatalf("Create with failing KV: %v", err)
	}
	if _, err := s.Get(context.Background(), id.DID); err != nil {
		t.Errorf("Get after failed persist: %v", err)
	}
}

func TestStore_persistWritesRecord(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()
	s := identity.NewStore(identity.WithKV(mem))

	id, _, err := s.Create(ctx, identity.RegistrationParams{
		Name:         "persisted",
		SponsorEmail: "ops@acme.test",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := mem.Get(ctx, "agent:"+id.DID.String()); err != nil {
		t.Errorf("record not mirrored to KV: %v", err)
	}
}
