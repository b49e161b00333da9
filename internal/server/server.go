package server

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/ratelimit"
	"github.com/agentmesh/agentmesh/internal/service"
)

// DefaultBodyLimit caps request bodies at 1 MiB.
const DefaultBodyLimit = 1 << 20

// Deps are the engines and facades the HTTP surface delegates to. The
// server holds no domain state of its own.
type Deps struct {
	Services   *service.Services
	Identities *identity.Store
	Broker     *handshake.Broker
	Policies   *policy.Engine
	Limiter    *ratelimit.Limiter
}

// Options tune the HTTP surface. Zero values fall back to defaults
// suitable for tests.
type Options struct {
	CORSOrigins   []string
	DIDHeader     string
	StrictHeaders bool
	ExemptPaths   []string
	BodyLimit     int64
	Logger        *zap.Logger
}

// Server is the mesh control plane's HTTP surface.
type Server struct {
	svcs     *service.Services
	ids      *identity.Store
	broker   *handshake.Broker
	policies *policy.Engine
	limiter  *ratelimit.Limiter
	log      *zap.Logger
	opts     Options
	started  time.Time
}

// New validates the dependency set and builds the server. Limiter is
// optional; without one no rate limiting is applied.
func New(d Deps, opts Options) (*Server, error) {
	switch {
	case d.Services == nil:
		return nil, errors.New("server: services facade is required")
	case d.Identities == nil:
		return nil, errors.New("server: identity store is required")
	case d.Broker == nil:
		return nil, errors.New("server: handshake broker is required")
	case d.Policies == nil:
		return nil, errors.New("server: policy engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DIDHeader == "" {
		opts.DIDHeader = DefaultDIDHeader
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}
	return &Server{
		svcs:     d.Services,
		ids:      d.Identities,
		broker:   d.Broker,
		policies: d.Policies,
		limiter:  d.Limiter,
		log:      opts.Logger,
		opts:     opts,
		started:  time.Now().UTC(),
	}, nil
}

// Router assembles the gin engine: recovery, CORS, security headers,
// body limit, logging, metrics, rate limiting and trust headers, then
// the versioned routes.
func (s *Server) Router() *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(s.opts.CORSOrigins, s.opts.DIDHeader))
	router.Use(SecurityHeaders())
	router.Use(BodyLimit(s.opts.BodyLimit))
	router.Use(RequestLogger(s.log))
	router.Use(Prometheus())

	exempt := pathSet(s.opts.ExemptPaths)
	if s.limiter != nil {
		router.Use(RateLimit(s.limiter, s.opts.DIDHeader, exempt))
	}
	router.Use(TrustHeaders(TrustHeadersConfig{
		DIDHeader: s.opts.DIDHeader,
		Strict:    s.opts.StrictHeaders,
		Exempt:    exempt,
		Log:       s.log,
	}))

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", MetricsHandler())
	router.GET("/.well-known/jwks.json", s.jwks)

	v1 := router.Group("/v1")
	NewAgentHandler(s.svcs.Registry, s.svcs.Audit, s.log).Register(v1)
	NewHandshakeHandler(s.broker, s.svcs.Audit, s.log).Register(v1)
	NewPolicyHandler(s.policies, s.svcs.Audit, s.log).Register(v1)
	NewAuditHandler(s.svcs.Audit, s.log).Register(v1)
	NewScoreHandler(s.svcs.Reward, s.log).Register(v1)
	return router
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"agents":         s.ids.Len(),
		"audit_entries":  s.svcs.Audit.Len(),
	})
}

func (s *Server) jwks(c *gin.Context) {
	c.JSON(http.StatusOK, s.ids.JWKS(c.Request.Context()))
}

func corsMiddleware(origins []string, didHeader string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		didHeader, HeaderPublicKey, HeaderCapabilities, HeaderSignature,
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    []string{HeaderRateRemaining, HeaderRetryAfter, HeaderBackpressure},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	})
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func pathSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}
