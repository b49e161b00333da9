package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// SponsorLookup resolves the identity, and so the sponsor address, behind
// a DID.
type SponsorLookup interface {
	Get(ctx context.Context, d did.DID) (*identity.Identity, error)
}

// Notifier mails agent sponsors on lifecycle events. Delivery is best
// effort: a failed send is logged and never fails the mutation that
// triggered it.
type Notifier struct {
	sender  Sender
	lookup  SponsorLookup
	log     *zap.Logger
	timeout time.Duration
}

// NewNotifier builds a Notifier. A nil logger is replaced with a no-op one.
func NewNotifier(sender Sender, lookup SponsorLookup, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		sender:  sender,
		lookup:  lookup,
		log:     log,
		timeout: 10 * time.Second,
	}
}

// Attach subscribes the notifier to the lifecycle topics and returns a
// detach func.
func (n *Notifier) Attach(bus events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.TopicIdentityCreated, n.onRegistered),
		bus.Subscribe(events.TopicIdentityRevoked, n.onRevoked),
		bus.Subscribe(events.TopicAgentAutoRevoked, n.onRevoked),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (n *Notifier) onRegistered(ev events.Event) {
	id, ok := n.resolve(ev)
	if !ok {
		return
	}
	subject := fmt.Sprintf("Agent %s registered", id.Name)
	body := fmt.Sprintf(
		"Your sponsored agent %q joined the mesh.\n\nDID: %s\nOrganization: %s\nCapabilities: %s\n",
		id.Name, id.DID, id.Organization, strings.Join(id.Capabilities, ", "))
	n.deliver(id.SponsorEmail, subject, body, ev.Topic)
}

func (n *Notifier) onRevoked(ev events.Event) {
	id, ok := n.resolve(ev)
	if !ok {
		return
	}
	reason, _ := ev.Payload["reason"].(string)
	if reason == "" {
		reason = "unspecified"
	}
	subject := fmt.Sprintf("Agent %s revoked", id.Name)
	body := fmt.Sprintf(
		"Your sponsored agent %q was revoked from the mesh.\n\nDID: %s\nReason: %s\n\nContact a mesh operator to request reinstatement.\n",
		id.Name, id.DID, reason)
	n.deliver(id.SponsorEmail, subject, body, ev.Topic)
}

// resolve maps the event back to an identity with a sponsor on file.
func (n *Notifier) resolve(ev events.Event) (*identity.Identity, bool) {
	raw, _ := ev.Payload["agent_did"].(string)
	d, err := did.Parse(raw)
	if err != nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	id, err := n.lookup.Get(ctx, d)
	if err != nil || id.SponsorEmail == "" {
		return nil, false
	}
	return id, true
}

func (n *Notifier) deliver(to, subject, body, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.sender.Send(ctx, to, subject, body); err != nil {
		n.log.Warn("sponsor notification failed",
			zap.String("to", to),
			zap.String("topic", topic),
			zap.Error(err))
		return
	}
	n.log.Debug("sponsor notified",
		zap.String("to", to),
		zap.String("topic", topic))
}
