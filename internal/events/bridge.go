package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/kvstore"
)

// bridgeChannel is the KV pub/sub channel carrying mesh events between
// processes.
const bridgeChannel = "agentmesh:events"

// KVBridge republishes local bus events through a KVStore pub/sub backend
// and injects remote events into the local bus. The bridge is best-effort
// transport; nothing authoritative rides on it.
type KVBridge struct {
	bus   Bus
	ps    kvstore.PubSubStore
	log   *zap.Logger
	stop  func()
	unsub func()
}

// NewKVBridge wires bus and backend together. Call Start to begin relaying.
func NewKVBridge(bus Bus, ps kvstore.PubSubStore, log *zap.Logger) *KVBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &KVBridge{bus: bus, ps: ps, log: log}
}

// Start subscribes both directions. Remote events are injected with a
// "bridge" source so they are not re-exported, which would loop.
func (b *KVBridge) Start(ctx context.Context) error {
	stop, err := b.ps.Subscribe(ctx, bridgeChannel, func(payload []byte) {
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			b.log.Warn("bridge received malformed event", zap.Error(err))
			return
		}
		b.inject(e)
	})
	if err != nil {
		return err
	}
	b.stop = stop

	b.unsub = b.bus.Subscribe("*", func(e Event) {
		if e.Source == "bridge" {
			return
		}
		e.Source = "bridge"
		data, err := json.Marshal(e)
		if err != nil {
			b.log.Warn("bridge could not encode event", zap.String("topic", e.Topic), zap.Error(err))
			return
		}
		if err := b.ps.Publish(ctx, bridgeChannel, data); err != nil {
			b.log.Warn("bridge publish failed", zap.String("topic", e.Topic), zap.Error(err))
		}
	})
	return nil
}

// inject republishes a remote event locally, stamped so the export side
// skips it.
func (b *KVBridge) inject(e Event) {
	type sourced interface {
		publishFrom(source, topic string, payload map[string]any)
	}
	if sb, ok := b.bus.(sourced); ok {
		sb.publishFrom("bridge", e.Topic, e.Payload)
		return
	}
	b.bus.Publish(e.Topic, e.Payload)
}

// Close detaches the bridge from both sides.
func (b *KVBridge) Close() {
	if b.unsub != nil {
		b.unsub()
	}
	if b.stop != nil {
		b.stop()
	}
}
