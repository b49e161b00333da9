package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/credential"
	"github.com/agentmesh/agentmesh/internal/email"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/health"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/kvstore"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/ratelimit"
	"github.com/agentmesh/agentmesh/internal/reward"
	"github.com/agentmesh/agentmesh/internal/scopechain"
	"github.com/agentmesh/agentmesh/internal/server"
	"github.com/agentmesh/agentmesh/internal/service"
	"github.com/agentmesh/agentmesh/internal/webhooks"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("meshd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}

	// ── Event bus ─────────────────────────────────────────────────────────────
	bus := events.NewAsyncBus(logger)
	defer bus.Close()

	// ── KV store ──────────────────────────────────────────────────────────────
	var kv kvstore.Store = kvstore.NewMemory()
	if cfg.Redis.Addr != "" {
		rkv, err := kvstore.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rkv.Close()
		kv = rkv
		logger.Info("redis KV store connected", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Info("KV store: in-memory (set redis.addr to persist across restarts)")
	}

	// ── Audit journal ─────────────────────────────────────────────────────────
	logOpts := []audit.LogOption{audit.WithLogger(logger), audit.WithBus(bus)}
	if cfg.Audit.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Audit.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		sink := audit.NewPostgresSink(pool, logger)
		if mirrored, err := sink.Replay(context.Background()); err != nil {
			logger.Warn("audit mirror replay failed", zap.Error(err))
		} else if _, err := audit.VerifyEntries(mirrored); err != nil {
			logger.Warn("audit mirror integrity check FAILED", zap.Error(err))
		} else {
			logger.Info("audit mirror verified", zap.Int("entries", len(mirrored)))
		}
		logOpts = append(logOpts, audit.WithSink(sink))
	} else if cfg.Audit.KVMirror {
		logOpts = append(logOpts, audit.WithSink(audit.NewKVSink(kv)))
		logger.Info("audit journal mirrored into KV store")
	}
	journal := audit.NewLog(logOpts...)

	// ── Core engines ──────────────────────────────────────────────────────────
	ids := identity.NewStore(
		identity.WithLogger(logger),
		identity.WithKV(kv),
	)
	creds := credential.NewManager(ids,
		credential.WithLogger(logger),
		credential.WithDefaultTTL(cfg.Trust.CredentialTTL),
	)
	broker := handshake.NewBroker(ids,
		handshake.WithLogger(logger),
		handshake.WithRequiredTrustScore(cfg.Trust.MinScore),
	)

	rewardOpts := []reward.EngineOption{
		reward.WithLogger(logger),
		reward.WithBus(bus),
		reward.WithStatusController(service.NewStatusBridge(ids, creds, broker, logger)),
	}
	if cfg.Trust.AdminAttestation != "" {
		hash, err := reward.HashAttestation(cfg.Trust.AdminAttestation)
		if err != nil {
			return err
		}
		rewardOpts = append(rewardOpts, reward.WithAdminAttestation(hash))
	} else {
		logger.Warn("no admin attestation configured; latched agents cannot be reinstated")
	}
	rewards, err := reward.NewEngine(rewardOpts...)
	if err != nil {
		return fmt.Errorf("build reward engine: %w", err)
	}

	engine := policy.NewEngine(
		policy.WithLogger(logger),
		policy.WithBus(bus),
	)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		AgentRate:             cfg.RateLimit.AgentRPS,
		AgentBurst:            cfg.RateLimit.AgentBurst,
		GlobalRate:            cfg.RateLimit.GlobalRPS,
		GlobalBurst:           cfg.RateLimit.GlobalBurst,
		BackpressureThreshold: cfg.RateLimit.BackpressureThreshold,
	}, ratelimit.WithLogger(logger), ratelimit.WithBus(bus))

	// ── Facades ───────────────────────────────────────────────────────────────
	svcs, err := service.New(service.Deps{
		Identities:  ids,
		Credentials: creds,
		Rewards:     rewards,
		Audit:       journal,
		Broker:      broker,
		Chains:      scopechain.NewStore(),
		Bus:         bus,
		Log:         logger,
	})
	if err != nil {
		return err
	}

	// ── Sponsor notifications ─────────────────────────────────────────────────
	var mailer email.Sender
	if cfg.Email.SMTPHost != "" {
		mailer = email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.FromAddress,
		})
		logger.Info("SMTP email sender configured", zap.String("host", cfg.Email.SMTPHost))
	} else {
		mailer = email.NewLogSender(logger)
		logger.Info("email sender: log only (set email.smtp_host to enable SMTP)")
	}
	detach := email.NewNotifier(mailer, ids, logger).Attach(bus)
	defer detach()

	// ── Webhook receivers ─────────────────────────────────────────────────────
	if len(cfg.Webhooks) > 0 {
		subs := make([]webhooks.Subscription, 0, len(cfg.Webhooks))
		for _, w := range cfg.Webhooks {
			subs = append(subs, webhooks.Subscription{
				Name:   w.Name,
				URL:    w.URL,
				Topics: w.Topics,
				Secret: w.Secret,
			})
		}
		hooks := webhooks.NewNotifier(subs, logger,
			webhooks.WithMetricsRecorder(metrics.RecordWebhookDelivery))
		defer hooks.Wait()
		detachHooks := hooks.Attach(bus)
		defer detachHooks()
		logger.Info("webhook receivers attached", zap.Int("count", len(subs)))
	}

	// ── Availability prober ───────────────────────────────────────────────────
	proberCtx, stopProber := context.WithCancel(context.Background())
	defer stopProber()
	if cfg.Health.Enabled {
		prober := health.New(ids, svcs.Reward, health.Config{
			Interval:     cfg.Health.ProbeInterval,
			ProbeTimeout: cfg.Health.ProbeTimeout,
		}, logger)
		go prober.Start(proberCtx)
		logger.Info("availability prober started",
			zap.Duration("interval", cfg.Health.ProbeInterval))
	}

	// ── HTTP control plane ────────────────────────────────────────────────────
	srv, err := server.New(server.Deps{
		Services:   svcs,
		Identities: ids,
		Broker:     broker,
		Policies:   engine,
		Limiter:    limiter,
	}, server.Options{
		CORSOrigins:   cfg.Server.CORSOrigins,
		DIDHeader:     cfg.Server.DIDHeader,
		StrictHeaders: cfg.Server.StrictHeaders,
		ExemptPaths:   cfg.Server.ExemptPaths,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("mesh control plane listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down meshd...")
	stopProber()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("meshd stopped")
	return nil
}
