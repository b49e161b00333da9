// Package mesh carries the shared infrastructure handles passed explicitly
// to components that need them. There are no package-level singletons here;
// constructing two independent meshes in one process is supported.
package mesh

import (
	"crypto/rand"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/kvstore"
)

// Clock is the injectable time source. Components never call time.Now
// directly when ordering or expiry depends on it.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock in UTC.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }

// Context bundles the cross-component handles: clock, randomness, the KV
// persistence backend, the event bus, and the logger. Pass it by pointer;
// fields are set once at wiring time.
type Context struct {
	Clock Clock
	Rand  io.Reader
	KV    kvstore.Store
	Bus   events.Bus
	Log   *zap.Logger
}

// NewContext fills in production defaults: wall clock, crypto/rand, an
// in-memory KV store, a synchronous bus, and a nop logger.
func NewContext() *Context {
	log := zap.NewNop()
	return &Context{
		Clock: WallClock{},
		Rand:  rand.Reader,
		KV:    kvstore.NewMemory(),
		Bus:   events.NewSyncBus(log),
		Log:   log,
	}
}

// Logger returns the context logger, never nil.
func (c *Context) Logger() *zap.Logger {
	if c == nil || c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// Now is shorthand for c.Clock.Now() with a wall-clock fallback.
func (c *Context) Now() time.Time {
	if c == nil || c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now()
}

// Publish emits on the context bus if one is attached.
func (c *Context) Publish(topic string, payload map[string]any) {
	if c == nil || c.Bus == nil {
		return
	}
	c.Bus.Publish(topic, payload)
}
