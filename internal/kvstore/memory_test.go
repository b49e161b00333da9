package kvstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/kvstore"
)

func TestMemory_getSetDelete(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}

	if err := m.Set(ctx, "agent:abc", "payload", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := m.Get(ctx, "agent:abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "payload" {
		t.Errorf("Get: got %q, want %q", v, "payload")
	}

	ok, err := m.Exists(ctx, "agent:abc")
	if err != nil || !ok {
		t.Errorf("Exists: got (%v, %v), want (true, nil)", ok, err)
	}

	if err := m.Delete(ctx, "agent:abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "agent:abc"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestMemory_ttlExpiry(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return now })

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	now = now.Add(61 * time.Second)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("Get after expiry: got %v, want ErrNotFound", err)
	}
	ok, _ := m.Exists(ctx, "k")
	if ok {
		t.Error("Exists after expiry: got true, want false")
	}
}

func TestMemory_keysPattern(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory()

	for _, k := range []string{"agent:a", "agent:b", "cred:x"} {
		if err := m.Set(ctx, k, "v", 0); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	keys, err := m.Keys(ctx, "agent:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"agent:a", "agent:b"}
	if len(keys) != len(want) {
		t.Fatalf("Keys: got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys[%d]: got %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestMemory_hashOps(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory()

	if err := m.HSet(ctx, "agent:abc", "status", "active"); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := m.HSet(ctx, "agent:abc", "org", "acme"); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	v, err := m.HGet(ctx, "agent:abc", "status")
	if err != nil || v != "active" {
		t.Errorf("HGet: got (%q, %v), want (active, nil)", v, err)
	}
	if _, err := m.HGet(ctx, "agent:abc", "missing"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("HGet missing field: got %v, want ErrNotFound", err)
	}

	all, err := m.HGetAll(ctx, "agent:abc")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(all) != 2 || all["status"] != "active" || all["org"] != "acme" {
		t.Errorf("HGetAll: got %v", all)
	}
}

func TestMemory_sortedSets(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory()

	scores := map[string]float64{"a": 250, "b": 500, "c": 750, "d": 900}
	for member, score := range scores {
		if err := m.ZAdd(ctx, "scores", score, member); err != nil {
			t.Fatalf("ZAdd: %v", err)
		}
	}

	got, err := m.ZRangeByScore(ctx, "scores", 300, 800)
	if err != nil {
		t.Fatalf("ZRangeByScore: %v", err)
	}
	want := []string{"b", "c"}
	if len(got) != len(want) {
		t.Fatalf("ZRangeByScore: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ZRangeByScore[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMemory_pubSub(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory()

	var got []string
	unsub, err := m.Subscribe(ctx, "mesh.events", func(p []byte) {
		got = append(got, string(p))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := m.Publish(ctx, "mesh.events", []byte("one")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish(ctx, "other", []byte("ignored")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	unsub()
	if err := m.Publish(ctx, "mesh.events", []byte("two")); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}

	if len(got) != 1 || got[0] != "one" {
		t.Errorf("received %v, want [one]", got)
	}
}
