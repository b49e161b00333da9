package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/identity"
)

func TestFrameRoundTrip(t *testing.T) {
	type ping struct {
		Nonce string `json:"nonce"`
		Seq   int    `json:"seq"`
	}
	f, err := NewFrame(FrameChallenge, ping{Nonce: "n1", Seq: 7})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	var got ping
	if err := f.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Nonce != "n1" || got.Seq != 7 {
		t.Errorf("decoded %+v", got)
	}

	empty, err := NewFrame(FrameError, nil)
	if err != nil {
		t.Fatalf("empty frame: %v", err)
	}
	if err := empty.Decode(&got); err == nil || !strings.Contains(err.Error(), "no payload") {
		t.Errorf("decode of empty payload: %v, want no payload error", err)
	}

	if _, err := NewFrame(FrameChallenge, func() {}); err == nil {
		t.Error("unencodable payload accepted")
	}
}

func TestPipeSendReceive(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	out, err := NewFrame(FrameChallenge, map[string]string{"nonce": "abc"})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if err := a.Send(ctx, out); err != nil {
		t.Fatalf("send: %v", err)
	}
	in, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if in.Type != FrameChallenge {
		t.Errorf("frame type = %q", in.Type)
	}
	var payload map[string]string
	if err := in.Decode(&payload); err != nil || payload["nonce"] != "abc" {
		t.Errorf("payload = %v, %v", payload, err)
	}

	// And the other direction on the same pair.
	back, err := NewFrame(FrameResponse, map[string]int{"seq": 1})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if err := b.Send(ctx, back); err != nil {
		t.Fatalf("send back: %v", err)
	}
	if in, err = a.Receive(ctx); err != nil || in.Type != FrameResponse {
		t.Errorf("receive back = %+v, %v", in, err)
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("receive on idle pipe: %v, want deadline exceeded", err)
	}
}

func TestClosedConn(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Send(ctx, Frame{Type: FrameError}); !errors.Is(err, ErrClosed) {
		t.Errorf("send on closed conn: %v, want ErrClosed", err)
	}
	if _, err := a.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("receive on closed conn: %v, want ErrClosed", err)
	}

	// The peer sees the stream end rather than hanging.
	if _, err := b.Receive(ctx); err == nil {
		t.Error("receive from closed peer succeeded")
	}
	b.Close()
}

func registerTestAgent(t *testing.T, ids *identity.Store, name string) (*identity.Identity, handshake.LocalAgent) {
	t.Helper()
	id, priv, err := ids.Create(context.Background(), identity.RegistrationParams{
		Name:         name,
		Organization: "acme",
		SponsorEmail: name + "@acme.dev",
		Capabilities: []string{"code.review"},
	})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return id, handshake.LocalAgent{
		DID:          id.DID,
		Capabilities: id.Capabilities,
		TrustScore:   500,
		Signer:       crypto.NewKeySigner(priv),
	}
}

func TestHandshakeOverPipe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := identity.NewStore()
	broker := handshake.NewBroker(ids)
	id, local := registerTestAgent(t, ids, "alice")

	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		if err := Answer(ctx, b, broker, local); err != nil {
			t.Errorf("answer loop: %v", err)
		}
	}()

	peer := NewRemotePeer(a, id.DID)
	res, err := broker.Handshake(ctx, peer, handshake.Requirements{RequiredTrustScore: 400})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !res.Verified || res.PeerDID != id.DID {
		t.Fatalf("result = %+v, want verified %s", res, id.DID)
	}

	// The verdict is cached: a second handshake needs no wire traffic.
	a.Close()
	b.Close()
	res2, err := broker.Handshake(ctx, peer, handshake.Requirements{RequiredTrustScore: 400})
	if err != nil {
		t.Fatalf("cached handshake: %v", err)
	}
	if !res2.Verified {
		t.Error("cached verdict lost")
	}
}

func TestRemotePeerSurfacesRefusal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := identity.NewStore()
	broker := handshake.NewBroker(ids)
	id, local := registerTestAgent(t, ids, "bob")
	local.Signer = nil // cannot sign, so the answer loop refuses

	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	go Answer(ctx, b, broker, local)

	ch, err := broker.NewChallenge()
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	peer := NewRemotePeer(a, id.DID)
	if _, err := peer.Respond(ctx, ch); err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("respond = %v, want refusal", err)
	}
}

func TestAnswerRejectsUnexpectedFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := identity.NewStore()
	broker := handshake.NewBroker(ids)
	id, local := registerTestAgent(t, ids, "carol")

	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	go Answer(ctx, b, broker, local)

	if err := a.Send(ctx, Frame{Type: FrameResponse}); err != nil {
		t.Fatalf("send stray frame: %v", err)
	}
	reply, err := a.Receive(ctx)
	if err != nil || reply.Type != FrameError {
		t.Fatalf("stray frame reply = %+v, %v, want error frame", reply, err)
	}

	// The loop keeps serving after a stray frame.
	peer := NewRemotePeer(a, id.DID)
	res, err := broker.Handshake(ctx, peer, handshake.Requirements{})
	if err != nil || !res.Verified {
		t.Errorf("handshake after stray frame = %+v, %v", res, err)
	}
}

func TestHandshakeTimesOutWithoutResponder(t *testing.T) {
	ctx := context.Background()

	ids := identity.NewStore()
	broker := handshake.NewBroker(ids, handshake.WithTimeout(50*time.Millisecond))
	id, _ := registerTestAgent(t, ids, "dave")

	// The far end reads frames but never answers them.
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		for {
			if _, err := b.Receive(context.Background()); err != nil {
				return
			}
		}
	}()

	peer := NewRemotePeer(a, id.DID)
	res, err := broker.Handshake(ctx, peer, handshake.Requirements{})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.Verified || res.RejectionReason != "timeout" {
		t.Errorf("result = %+v, want timeout rejection", res)
	}
}
