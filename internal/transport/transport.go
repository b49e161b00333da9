// Package transport frames mesh messages as newline-delimited JSON over
// byte streams. It carries the handshake protocol between processes;
// there is no listener here, callers bring their own streams.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxFrameBytes caps a single encoded frame.
const maxFrameBytes = 1 << 20

// ErrClosed is returned once a connection has been closed locally.
var ErrClosed = errors.New("transport: connection closed")

// Frame types exchanged by mesh peers.
const (
	FrameChallenge = "handshake.challenge"
	FrameResponse  = "handshake.response"
	FrameError     = "error"
)

// Frame is the unit of exchange. Payload is left encoded until the
// receiver knows the type.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame encodes payload into a typed frame. A nil payload is legal.
func NewFrame(frameType string, payload any) (Frame, error) {
	f := Frame{Type: frameType}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	f.Payload = data
	return f, nil
}

// Decode unmarshals the frame payload into out.
func (f Frame) Decode(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// Conn is a bidirectional frame stream. Implementations are safe for
// one concurrent sender and one concurrent receiver.
type Conn interface {
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// streamConn runs the codec over a byte stream. A reader goroutine
// pumps decoded frames into a channel so Receive can honor its context
// without losing the frame it was waiting for.
type streamConn struct {
	rwc io.ReadWriteCloser

	wmu sync.Mutex
	enc *json.Encoder

	frames chan Frame

	errMu   sync.Mutex
	readErr error

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a byte stream in the frame codec.
func NewConn(rwc io.ReadWriteCloser) Conn {
	c := &streamConn{
		rwc:    rwc,
		enc:    json.NewEncoder(rwc),
		frames: make(chan Frame),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Pipe returns two in-process connections wired back to back through
// the JSON codec.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func (c *streamConn) readLoop() {
	defer close(c.frames)
	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, maxFrameBytes), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.setReadErr(fmt.Errorf("frame malformed: %w", err))
			return
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.setReadErr(err)
}

func (c *streamConn) setReadErr(err error) {
	c.errMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errMu.Unlock()
}

func (c *streamConn) readError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return io.EOF
	}
	return c.readErr
}

// Send writes one frame. The context is checked before the write; once
// the encoder has started, the write runs to completion or to a stream
// error.
func (c *streamConn) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *streamConn) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, c.readError()
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, ErrClosed
	}
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
