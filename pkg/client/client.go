// Package client provides the AgentMesh Go SDK for registering agents,
// running verification handshakes, and querying the mesh control plane.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/pkg/did"
	"github.com/agentmesh/agentmesh/pkg/jwk"
)

// Trust headers attached to outgoing requests when the client has an
// identity. The DID header name is configurable; the others are fixed
// by the mesh protocol.
const (
	DefaultDIDHeader   = "X-Agent-DID"
	headerPublicKey    = "X-Agent-Public-Key"
	headerCapabilities = "X-Agent-Capabilities"
	headerSignature    = "X-Agent-Signature"

	headerRetryAfter    = "Retry-After"
	headerRateRemaining = "X-RateLimit-Remaining"
)

// maxResponseBytes caps how much of any response body the SDK reads.
const maxResponseBytes = 1 << 20

// credentialRefreshWindow is how close to expiry a cached credential
// may get before CallPeer rotates it.
const credentialRefreshWindow = 60 * time.Second

// APIError is a non-2xx answer from the control plane.
type APIError struct {
	StatusCode int
	Message    string // the "error" field of the response body
	Reason     string // the "reason" detail on trust rejections
}

func (e *APIError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("mesh: %s: %s (HTTP %d)", e.Message, e.Reason, e.StatusCode)
	case e.Message != "":
		return fmt.Sprintf("mesh: %s (HTTP %d)", e.Message, e.StatusCode)
	default:
		return fmt.Sprintf("mesh: HTTP %d", e.StatusCode)
	}
}

// NotFound reports whether the control plane answered 404.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// RateLimitError is a 429. RetryAfter is the server-suggested wait;
// Remaining is what was left in the agent's bucket.
type RateLimitError struct {
	APIError
	Scope      string
	RetryAfter time.Duration
	Remaining  int
}

// Unwrap exposes the embedded APIError to errors.As.
func (e *RateLimitError) Unwrap() error { return &e.APIError }

// Agent is a registered mesh identity as served by the control plane.
type Agent struct {
	DID          did.DID           `json:"did"`
	Name         string            `json:"name"`
	Organization string            `json:"organization,omitempty"`
	SponsorEmail string            `json:"sponsor_email,omitempty"`
	PublicKey    string            `json:"public_key"`
	Capabilities []string          `json:"capabilities"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RegisterAgentRequest is the payload for RegisterAgent.
type RegisterAgentRequest struct {
	Name         string            `json:"name"`
	Organization string            `json:"organization,omitempty"`
	SponsorEmail string            `json:"sponsor_email,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegisteredAgent is the registration response. PrivateKey is delivered
// exactly once — the control plane keeps only the public half.
type RegisteredAgent struct {
	Agent      Agent   `json:"agent"`
	PrivateKey jwk.Key `json:"private_key"`
}

// Identity builds the client-side identity for a freshly registered
// agent, ready to pass to WithIdentity or save to disk.
func (r *RegisteredAgent) Identity() (*Identity, error) {
	return NewIdentity(r.Agent.DID, r.PrivateKey, r.Agent.Capabilities)
}

// Revocation records why and when an agent was cut off the mesh.
type Revocation struct {
	DID       did.DID    `json:"did"`
	Reason    string     `json:"reason"`
	RevokedBy string     `json:"revoked_by,omitempty"`
	RevokedAt time.Time  `json:"revoked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Credential is a scoped bearer credential issued by the control plane.
type Credential struct {
	ID        string    `json:"credential_id"`
	AgentDID  did.DID   `json:"agent_did"`
	Token     string    `json:"token"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// AgentFilter narrows ListAgents. Zero fields match everything.
type AgentFilter struct {
	Status       string
	Organization string
	Capability   string
}

// Health is the control plane's liveness snapshot.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int    `json:"uptime_seconds"`
	Agents        int    `json:"agents"`
	AuditEntries  int    `json:"audit_entries"`
}

// Client is the AgentMesh SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	didHeader  string
	identity   *Identity
	cache      *endpointCache

	// credential state — guarded by mu
	mu         sync.Mutex
	cred       *Credential
	credManual bool // set via WithCredential; never auto-rotated
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding the default
// timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout replaces the default 10 s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithCacheTTL enables in-memory caching of resolved peer endpoints
// with the given TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newEndpointCache(ttl)
		return nil
	}
}

// WithIdentity attaches the agent identity whose trust headers and
// request signatures go out on every call.
func WithIdentity(id *Identity) Option {
	return func(c *Client) error {
		if id == nil {
			return errors.New("client: identity is nil")
		}
		c.identity = id
		return nil
	}
}

// WithCredential attaches a pre-issued credential for peer calls. The
// credential is treated as externally managed and never auto-rotated.
func WithCredential(cred *Credential) Option {
	return func(c *Client) error {
		if cred == nil || cred.Token == "" {
			return errors.New("client: credential carries no token")
		}
		c.cred = cred
		c.credManual = true
		return nil
	}
}

// WithDIDHeader overrides the DID trust header name for meshes that
// rename it.
func WithDIDHeader(name string) Option {
	return func(c *Client) error {
		if name == "" {
			return errors.New("client: DID header name is empty")
		}
		c.didHeader = name
		return nil
	}
}

// New creates an SDK Client talking to the control plane at baseURL.
//
//	c, err := client.New("https://mesh.internal:8080",
//	    client.WithIdentityFile(os.ExpandEnv("$HOME/.agentmesh/identity.json")),
//	    client.WithCacheTTL(60*time.Second),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		didHeader:  DefaultDIDHeader,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Agents ──────────────────────────────────────────────────────────────

// RegisterAgent creates a new mesh identity. The response carries the
// Ed25519 private key as a JWK; store it safely, it cannot be fetched
// again.
func (c *Client) RegisterAgent(ctx context.Context, reg RegisterAgentRequest) (*RegisteredAgent, error) {
	var out RegisteredAgent
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agents", reg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent fetches one agent record by DID.
func (c *Client) GetAgent(ctx context.Context, d did.DID) (*Agent, error) {
	var out Agent
	if err := c.doJSON(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(d.String()), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents returns registered agents matching the filter.
func (c *Client) ListAgents(ctx context.Context, f AgentFilter) ([]Agent, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Organization != "" {
		q.Set("organization", f.Organization)
	}
	if f.Capability != "" {
		q.Set("capability", f.Capability)
	}
	path := "/v1/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// AgentAuditTrail returns the agent's journal entries, oldest first.
// limit of zero means all.
func (c *Client) AgentAuditTrail(ctx context.Context, d did.DID, limit int) ([]AuditEntry, error) {
	path := fmt.Sprintf("/v1/agents/%s/audit?limit=%d", url.PathEscape(d.String()), limit)
	var out struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// RevokeAgent permanently cuts the agent off: its credentials die and
// its delegations are dropped with it.
func (c *Client) RevokeAgent(ctx context.Context, d did.DID, reason, revokedBy string) (*Revocation, error) {
	in := map[string]string{"reason": reason, "revoked_by": revokedBy}
	var out Revocation
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(d.String())+"/revoke", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SuspendAgent freezes the agent until it is reinstated.
func (c *Client) SuspendAgent(ctx context.Context, d did.DID) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(d.String())+"/suspend", nil, nil)
}

// ReinstateAgent lifts a revocation or suspension. The attestation must
// match the control plane's configured admin secret.
func (c *Client) ReinstateAgent(ctx context.Context, d did.DID, attestation string) error {
	in := map[string]string{"attestation": attestation}
	return c.doJSON(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(d.String())+"/reinstate", in, nil)
}

// ── Credentials ─────────────────────────────────────────────────────────

// IssueCredential mints a scoped credential for the agent. Zero ttl
// leaves ttl_seconds out of the request so the mesh default applies; nil
// scopes grant all of the agent's capabilities.
func (c *Client) IssueCredential(ctx context.Context, d did.DID, ttl time.Duration, scopes []string) (*Credential, error) {
	in := map[string]any{}
	if ttl != 0 {
		in["ttl_seconds"] = int(ttl / time.Second)
	}
	if scopes != nil {
		in["scopes"] = scopes
	}
	var out Credential
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(d.String())+"/credentials", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RotateCredential issues a successor and then revokes the old
// credential, so there is no gap without a live token.
func (c *Client) RotateCredential(ctx context.Context, credentialID string) (*Credential, error) {
	var out Credential
	if err := c.doJSON(ctx, http.MethodPost, "/v1/credentials/"+url.PathEscape(credentialID)+"/rotate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeCredential kills one credential immediately.
func (c *Client) RevokeCredential(ctx context.Context, credentialID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/credentials/"+url.PathEscape(credentialID), nil, nil)
}

// Credential returns the credential peer calls currently ride on, nil
// when none has been issued yet.
func (c *Client) Credential() *Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

// ensureCredential returns a live bearer token for peer calls, issuing
// or rotating through the control plane when the cached one is absent
// or inside the refresh window. Thread-safe.
func (c *Client) ensureCredential(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// credManual means the credential came from WithCredential and is
	// managed by the caller, so it is used as-is.
	if c.cred != nil {
		if c.credManual || time.Until(c.cred.ExpiresAt) > credentialRefreshWindow {
			return c.cred.Token, nil
		}
	}
	if c.identity == nil {
		return "", errors.New("no identity configured: use WithIdentity or WithCredential")
	}

	// Rotating keeps the old token live until the successor exists; fall
	// back to a fresh issue when the old credential is already unusable.
	if c.cred != nil && time.Now().Before(c.cred.ExpiresAt) {
		if rotated, err := c.RotateCredential(ctx, c.cred.ID); err == nil {
			c.cred = rotated
			return rotated.Token, nil
		}
	}
	cred, err := c.IssueCredential(ctx, c.identity.DID, 0, nil)
	if err != nil {
		return "", fmt.Errorf("issue credential: %w", err)
	}
	c.cred = cred
	c.credManual = false
	return cred.Token, nil
}

// ── Peer calls ──────────────────────────────────────────────────────────

// CallPeer resolves the peer's registered endpoint, attaches a live
// credential and the caller's trust headers, and makes the HTTP call.
//
//	var reply ReviewReply
//	err := c.CallPeer(ctx, peerDID, http.MethodPost, "/v1/review",
//	    &ReviewRequest{Diff: diff}, &reply)
//
// reqBody and respBody are JSON-encoded/decoded automatically. Pass nil
// for either when not needed (e.g. GET requests or when the response is
// ignored).
func (c *Client) CallPeer(ctx context.Context, peer did.DID, method, path string, reqBody, respBody any) error {
	var raw json.RawMessage
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		raw = b
	}
	respBytes, err := c.CallPeerRaw(ctx, peer, method, path, raw)
	if err != nil {
		return err
	}
	if respBody != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, respBody); err != nil {
			return fmt.Errorf("decode peer response: %w", err)
		}
	}
	return nil
}

// CallPeerRaw is like CallPeer but accepts and returns raw JSON bytes.
// Pass nil body for requests with no body (e.g. GET).
func (c *Client) CallPeerRaw(ctx context.Context, peer did.DID, method, path string, body json.RawMessage) (json.RawMessage, error) {
	endpoint, err := c.resolveEndpoint(ctx, peer)
	if err != nil {
		return nil, err
	}
	token, err := c.ensureCredential(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain credential: %w", err)
	}

	target := strings.TrimRight(endpoint, "/")
	if path != "" {
		target += "/" + strings.TrimLeft(path, "/")
	}
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build peer request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.identity != nil {
		c.identity.sign(req, c.didHeader)
	}

	// Execute against the peer, not the control plane — use httpClient
	// directly so peer errors stay distinguishable from mesh errors.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call peer: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read peer response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("peer returned HTTP %d: %s", resp.StatusCode, string(respBytes))
	}
	return respBytes, nil
}

// resolveEndpoint looks up the peer's registered endpoint, consulting
// the cache when one is configured. Only active agents resolve.
func (c *Client) resolveEndpoint(ctx context.Context, peer did.DID) (string, error) {
	if c.cache != nil {
		if ep, ok := c.cache.get(peer); ok {
			return ep, nil
		}
	}
	agent, err := c.GetAgent(ctx, peer)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", peer, err)
	}
	if agent.Endpoint == "" {
		return "", fmt.Errorf("agent %s has no registered endpoint", peer)
	}
	if agent.Status != "active" {
		return "", fmt.Errorf("agent %s is %s", peer, agent.Status)
	}
	if c.cache != nil {
		c.cache.set(peer, agent.Endpoint)
	}
	return agent.Endpoint, nil
}

// ── Control plane status ────────────────────────────────────────────────

// Health checks control-plane liveness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JWKS fetches the mesh's published key set.
func (c *Client) JWKS(ctx context.Context) (*jwk.Set, error) {
	var out jwk.Set
	if err := c.doJSON(ctx, http.MethodGet, "/.well-known/jwks.json", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── HTTP plumbing ───────────────────────────────────────────────────────

// newRequest builds a control-plane request, attaching trust headers
// when the client has an identity.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.identity != nil {
		c.identity.sign(req, c.didHeader)
	}
	return req, nil
}

// doJSON round-trips a JSON request against the control plane. in and
// out may each be nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var bodyReader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do executes the request and returns the response body. Non-2xx
// statuses come back as *APIError, or *RateLimitError for 429s.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp, body)
	}
	return body, nil
}

// apiError decodes the control plane's error envelope.
func apiError(resp *http.Response, body []byte) error {
	var envelope struct {
		Error             string  `json:"error"`
		Reason            string  `json:"reason"`
		Scope             string  `json:"scope"`
		RetryAfterSeconds float64 `json:"retry_after_seconds"`
	}
	// Non-JSON bodies leave the envelope empty; the raw text becomes the
	// message below.
	_ = json.Unmarshal(body, &envelope)

	apiErr := APIError{
		StatusCode: resp.StatusCode,
		Message:    envelope.Error,
		Reason:     envelope.Reason,
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		return &apiErr
	}

	rle := &RateLimitError{APIError: apiErr, Scope: envelope.Scope}
	if sec, err := strconv.Atoi(resp.Header.Get(headerRetryAfter)); err == nil {
		rle.RetryAfter = time.Duration(sec) * time.Second
	} else if envelope.RetryAfterSeconds > 0 {
		rle.RetryAfter = time.Duration(envelope.RetryAfterSeconds * float64(time.Second))
	}
	if rem, err := strconv.Atoi(resp.Header.Get(headerRateRemaining)); err == nil {
		rle.Remaining = rem
	}
	return rle
}

// --- simple in-memory endpoint cache ---

type cacheEntry struct {
	endpoint  string
	expiresAt time.Time
}

type endpointCache struct {
	mu      sync.RWMutex
	entries map[did.DID]*cacheEntry
	ttl     time.Duration
}

func newEndpointCache(ttl time.Duration) *endpointCache {
	return &endpointCache{entries: make(map[did.DID]*cacheEntry), ttl: ttl}
}

func (ec *endpointCache) get(key did.DID) (string, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	e, ok := ec.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.endpoint, true
}

func (ec *endpointCache) set(key did.DID, endpoint string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.entries[key] = &cacheEntry{endpoint: endpoint, expiresAt: time.Now().Add(ec.ttl)}
}
