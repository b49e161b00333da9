package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/ratelimit"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// Trust headers carried by mesh-aware clients. The DID header name is
// configurable; the others are fixed.
const (
	DefaultDIDHeader   = "X-Agent-DID"
	HeaderPublicKey    = "X-Agent-Public-Key"
	HeaderCapabilities = "X-Agent-Capabilities"
	HeaderSignature    = "X-Agent-Signature"

	HeaderRetryAfter    = "Retry-After"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderBackpressure  = "X-Backpressure"
)

const (
	ctxKeyDID          = "mesh.agent_did"
	ctxKeyCapabilities = "mesh.agent_capabilities"
)

// AgentDID returns the caller DID extracted by TrustHeaders, if any.
func AgentDID(c *gin.Context) (did.DID, bool) {
	v, ok := c.Get(ctxKeyDID)
	if !ok {
		return "", false
	}
	d, ok := v.(did.DID)
	return d, ok
}

// AgentCapabilities returns the capabilities the caller advertised in
// its trust headers.
func AgentCapabilities(c *gin.Context) []string {
	v, ok := c.Get(ctxKeyCapabilities)
	if !ok {
		return nil
	}
	caps, _ := v.([]string)
	return caps
}

// RequestLogger logs one line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Prometheus records request counts and latencies per route template.
func Prometheus() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		metrics.RecordRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}

// MetricsHandler exposes the Prometheus registry.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SecurityHeaders sets conservative browser-facing headers on every
// response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// BodyLimit caps request body reads at max bytes.
func BodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// RateLimit admits requests through the dual token buckets. Every
// response carries the remaining agent tokens; denials are 429 with
// Retry-After, and X-Backpressure: true appears once the agent bucket
// runs low. Exempt paths bypass the limiter entirely.
func RateLimit(l *ratelimit.Limiter, didHeader string, exempt map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if exempt[c.Request.URL.Path] {
			c.Next()
			return
		}
		res := l.Check(clientKey(c, didHeader))
		c.Header(HeaderRateRemaining, strconv.Itoa(int(res.Remaining)))
		if res.Backpressure {
			c.Header(HeaderBackpressure, "true")
		}
		if !res.Allowed {
			c.Header(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate limit exceeded",
				"scope":               res.Scope,
				"retry_after_seconds": res.RetryAfter,
			})
			return
		}
		c.Next()
	}
}

// clientKey buckets callers by DID when they present a valid one, by
// client IP otherwise.
func clientKey(c *gin.Context, didHeader string) did.DID {
	if raw := c.GetHeader(didHeader); raw != "" {
		if d, err := did.Parse(raw); err == nil {
			return d
		}
	}
	return did.DID("ip:" + c.ClientIP())
}

// retryAfterSeconds rounds the refill wait up to whole seconds, never
// below one.
func retryAfterSeconds(sec float64) int {
	n := int(math.Ceil(sec))
	if n < 1 {
		n = 1
	}
	return n
}

// TrustHeadersConfig drives the trust-header middleware.
type TrustHeadersConfig struct {
	DIDHeader string
	Strict    bool
	Exempt    map[string]bool
	Log       *zap.Logger
}

// TrustHeaders extracts the caller's mesh identity from the trust
// headers. In strict mode requests without a parseable DID are rejected
// with 403 {error, reason}; otherwise they proceed anonymously. A
// presented signature must verify over "METHOD\nPATH" against the
// stated public key regardless of mode.
func TrustHeaders(cfg TrustHeadersConfig) gin.HandlerFunc {
	if cfg.DIDHeader == "" {
		cfg.DIDHeader = DefaultDIDHeader
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		if cfg.Exempt[c.Request.URL.Path] {
			c.Next()
			return
		}

		raw := strings.TrimSpace(c.GetHeader(cfg.DIDHeader))
		if raw == "" {
			if cfg.Strict {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":  "trust verification failed",
					"reason": "missing " + cfg.DIDHeader + " header",
				})
				return
			}
			c.Next()
			return
		}

		d, err := did.Parse(raw)
		if err != nil {
			if cfg.Strict {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":  "trust verification failed",
					"reason": err.Error(),
				})
				return
			}
			log.Debug("ignoring malformed agent DID header",
				zap.String("header", cfg.DIDHeader),
				zap.String("value", raw),
				zap.Error(err))
			c.Next()
			return
		}

		if sig := c.GetHeader(HeaderSignature); sig != "" {
			if reason, ok := verifyRequestSignature(c, sig); !ok {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":  "trust verification failed",
					"reason": reason,
				})
				return
			}
		}

		c.Set(ctxKeyDID, d)
		if caps := c.GetHeader(HeaderCapabilities); caps != "" {
			c.Set(ctxKeyCapabilities, splitCapabilities(caps))
		}
		c.Next()
	}
}

// verifyRequestSignature checks the optional request signature, which
// covers "METHOD\nPATH" and must validate against the key stated in
// X-Agent-Public-Key.
func verifyRequestSignature(c *gin.Context, sig string) (string, bool) {
	rawKey := c.GetHeader(HeaderPublicKey)
	if rawKey == "" {
		return "signature presented without " + HeaderPublicKey, false
	}
	pub, err := crypto.ParsePublicKey(rawKey)
	if err != nil {
		return "public key malformed: " + err.Error(), false
	}
	sigBytes, err := crypto.B64URLDecode(sig)
	if err != nil {
		return "signature malformed: " + err.Error(), false
	}
	payload := []byte(c.Request.Method + "\n" + c.Request.URL.Path)
	if !(crypto.Ed25519Verifier{}).Verify(pub, payload, sigBytes) {
		return "signature does not verify", false
	}
	return "", true
}

func splitCapabilities(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
