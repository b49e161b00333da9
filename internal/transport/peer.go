package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// errorPayload carries a refusal across the wire.
type errorPayload struct {
	Message string `json:"message"`
}

// RemotePeer makes an agent on the far end of a connection answer
// challenges. It satisfies the handshake broker's Peer contract.
type RemotePeer struct {
	conn Conn
	did  did.DID
}

func NewRemotePeer(conn Conn, d did.DID) *RemotePeer {
	return &RemotePeer{conn: conn, did: d}
}

func (p *RemotePeer) DID() did.DID { return p.did }

// Respond plays the initiator side: send the challenge, wait for the
// signed response. Refusal frames come back as errors, which the broker
// treats as the peer being unreachable.
func (p *RemotePeer) Respond(ctx context.Context, ch *handshake.Challenge) (*handshake.Response, error) {
	f, err := NewFrame(FrameChallenge, ch)
	if err != nil {
		return nil, err
	}
	if err := p.conn.Send(ctx, f); err != nil {
		return nil, fmt.Errorf("send challenge to %s: %w", p.did, err)
	}

	reply, err := p.conn.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("await response from %s: %w", p.did, err)
	}
	switch reply.Type {
	case FrameResponse:
		var resp handshake.Response
		if err := reply.Decode(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	case FrameError:
		var ep errorPayload
		if err := reply.Decode(&ep); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("peer %s refused: %s", p.did, ep.Message)
	default:
		return nil, fmt.Errorf("unexpected %s frame from %s", reply.Type, p.did)
	}
}

// Answer serves the responder side for one locally hosted agent: it
// signs challenge frames until the context is cancelled or the stream
// ends. A closed connection is a normal return, not an error.
func Answer(ctx context.Context, conn Conn, broker *handshake.Broker, agent handshake.LocalAgent) error {
	for {
		f, err := conn.Receive(ctx)
		switch {
		case errors.Is(err, ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			return err
		}

		if f.Type != FrameChallenge {
			if err := sendError(ctx, conn, "unexpected frame "+f.Type); err != nil {
				return err
			}
			continue
		}
		var ch handshake.Challenge
		if err := f.Decode(&ch); err != nil {
			if err := sendError(ctx, conn, err.Error()); err != nil {
				return err
			}
			continue
		}

		resp, err := broker.Respond(ctx, &ch, agent)
		if err != nil {
			if err := sendError(ctx, conn, err.Error()); err != nil {
				return err
			}
			continue
		}
		rf, err := NewFrame(FrameResponse, resp)
		if err != nil {
			return err
		}
		if err := conn.Send(ctx, rf); err != nil {
			return err
		}
	}
}

func sendError(ctx context.Context, conn Conn, msg string) error {
	f, err := NewFrame(FrameError, errorPayload{Message: msg})
	if err != nil {
		return err
	}
	return conn.Send(ctx, f)
}
