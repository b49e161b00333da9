// Package webhooks relays bus events to external HTTP receivers.
//
// Receivers are declared in configuration: each names an endpoint, the
// topic patterns it wants (the same glob syntax bus subscriptions use),
// and a shared secret. Bodies are signed with HMAC-SHA256 so receivers
// can authenticate the mesh. Delivery is best effort with retries;
// governance never waits on a webhook.
package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with the algorithm name.
const SignatureHeader = "X-Mesh-Signature"

// defaultRetryDelays pace the attempts after the first, which goes out
// immediately.
var defaultRetryDelays = []time.Duration{time.Second, 5 * time.Second, 25 * time.Second}

// Subscription is one configured receiver.
type Subscription struct {
	Name   string
	URL    string
	Topics []string
	Secret string
}

// MetricsRecorder is an optional callback recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier fans bus events out to the configured receivers.
type Notifier struct {
	subs      []Subscription
	client    *http.Client
	delays    []time.Duration
	onMetrics MetricsRecorder
	log       *zap.Logger
	wg        sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		if c != nil {
			n.client = c
		}
	}
}

// WithRetryDelays overrides the pauses between attempts. A delivery is
// tried len(delays)+1 times.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(n *Notifier) { n.delays = delays }
}

// WithMetricsRecorder attaches a delivery outcome callback.
func WithMetricsRecorder(fn MetricsRecorder) Option {
	return func(n *Notifier) { n.onMetrics = fn }
}

// NewNotifier builds a Notifier. Receivers without a URL are dropped
// with a warning; receivers without topics hear everything.
func NewNotifier(subs []Subscription, log *zap.Logger, opts ...Option) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		delays: defaultRetryDelays,
		log:    log,
	}
	for _, o := range opts {
		o(n)
	}
	for _, sub := range subs {
		if sub.URL == "" {
			log.Warn("webhook receiver has no url, dropped", zap.String("receiver", sub.Name))
			continue
		}
		if len(sub.Topics) == 0 {
			sub.Topics = []string{"*"}
		}
		n.subs = append(n.subs, sub)
	}
	return n
}

// Attach subscribes the notifier to the bus and returns a detach func.
// A receiver gets one delivery per event no matter how many of its
// patterns match.
func (n *Notifier) Attach(bus events.Bus) func() {
	return bus.Subscribe("*", n.fanout)
}

// Wait blocks until every in-flight delivery has finished. Detach from
// the bus first or Wait may never return.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) fanout(ev events.Event) {
	for i := range n.subs {
		sub := &n.subs[i]
		if !matchesAny(sub.Topics, ev.Topic) {
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.deliver(sub, ev)
		}()
	}
}

// deliver posts the event to one receiver, retrying on failure.
func (n *Notifier) deliver(sub *Subscription, ev events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("webhook: marshal event",
			zap.String("topic", ev.Topic),
			zap.Error(err))
		return
	}
	signature := sign(body, sub.Secret)

	for attempt := 1; attempt <= len(n.delays)+1; attempt++ {
		if attempt > 1 {
			time.Sleep(n.delays[attempt-2])
		}

		success, status, errMsg := n.post(sub.URL, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			n.log.Debug("webhook delivered",
				zap.String("receiver", sub.Name),
				zap.String("topic", ev.Topic),
				zap.Int("attempt", attempt))
			return
		}

		n.log.Warn("webhook delivery failed",
			zap.String("receiver", sub.Name),
			zap.String("url", sub.URL),
			zap.String("topic", ev.Topic),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.String("error", errMsg))
	}
}

// post performs a single signed POST.
func (n *Notifier) post(url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, resp.StatusCode, ""
	}
	return false, resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func matchesAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if events.Match(p, topic) {
			return true
		}
	}
	return false
}

// sign computes the body signature. An empty secret disables signing.
func sign(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the body under the
// shared secret. Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(sign(body, secret)), []byte(signature))
}
