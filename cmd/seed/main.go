// cmd/seed — populates a running control plane with a demonstration cast.
//
// The cast spans the trust tiers: a veteran reviewer, a deployer with a
// mixed record, two fresh agents, and one repeat offender that ends the
// run latched. A governance policy is loaded and evaluated against three
// of them, a credential is issued, and one handshake completes, so a
// freshly seeded mesh has something to show on every endpoint.
//
// DIDs are derived with a random salt at registration, so every run seeds
// a brand-new cast. Point meshd at a fresh store before reseeding, or
// accept the extras.
//
// Usage:
//
//	go run ./cmd/seed
//	MESH_URL=http://mesh.internal:8080 go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/pkg/client"
)

const (
	defaultMeshURL = "http://localhost:8080"
	seedSource     = "seed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	meshURL := os.Getenv("MESH_URL")
	if meshURL == "" {
		meshURL = defaultMeshURL
	}

	c, err := client.New(meshURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := c.Health(ctx); err != nil {
		return fmt.Errorf("control plane not reachable at %s: %w", meshURL, err)
	}
	fmt.Printf("seeding %s\n", meshURL)

	regs, err := registerCast(ctx, c)
	if err != nil {
		return fmt.Errorf("register cast: %w", err)
	}
	if err := loadPolicy(ctx, c); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	if err := shapeTrust(ctx, c, regs); err != nil {
		return fmt.Errorf("shape trust: %w", err)
	}
	if err := evaluatePolicies(ctx, c, regs); err != nil {
		return fmt.Errorf("evaluate policies: %w", err)
	}
	if err := issueCredential(ctx, c, regs); err != nil {
		return fmt.Errorf("issue credential: %w", err)
	}
	if err := runHandshake(ctx, c, regs); err != nil {
		return fmt.Errorf("run handshake: %w", err)
	}

	fmt.Println("\nseed complete")
	return nil
}

// ── Demo cast ────────────────────────────────────────────────────────────────

type seedAgent struct {
	Name         string
	Organization string
	Sponsor      string
	Endpoint     string
	Capabilities []string
	Metadata     map[string]string

	// Trust shaping applied after registration. Tasks feed competence,
	// violations feed integrity; extra signals touch the named dimension.
	Successes  int
	Failures   int
	Signals    []seedSignal
	Violations []string
}

type seedSignal struct {
	Dimension string
	Value     float64
	Count     int
}

var cast = []seedAgent{
	{
		Name:         "review-bot",
		Organization: "acme",
		Sponsor:      "platform@acme.dev",
		Endpoint:     "https://review-bot.acme.dev",
		Capabilities: []string{"code.review", "code.lint"},
		Metadata:     map[string]string{"team": "platform", "region": "us-east"},
		Successes:    6,
		Signals: []seedSignal{
			{client.DimAvailability, 0.95, 3},
			{client.DimIntegrity, 0.9, 2},
			{client.DimPredictability, 0.9, 2},
			{client.DimTransparency, 0.9, 2},
		},
	},
	{
		Name:         "deploy-bot",
		Organization: "acme",
		Sponsor:      "platform@acme.dev",
		Endpoint:     "https://deploy-bot.acme.dev",
		Capabilities: []string{"deploy.staging", "deploy.production"},
		Metadata:     map[string]string{"team": "platform", "region": "us-east"},
		Successes:    3,
		Failures:     1,
	},
	{
		Name:         "data-scout",
		Organization: "techcorp",
		Sponsor:      "data-eng@techcorp.io",
		Endpoint:     "https://scout.techcorp.io",
		Capabilities: []string{"data.read", "data.extract"},
		Metadata:     map[string]string{"team": "data-eng"},
		Successes:    1,
	},
	{
		Name:         "triage-bot",
		Organization: "acme",
		Sponsor:      "support@acme.dev",
		Capabilities: []string{"support.triage"},
		Failures:     1,
		Signals: []seedSignal{
			{client.DimAvailability, 0.2, 2},
		},
	},
	{
		Name:         "night-crawler",
		Organization: "techcorp",
		Sponsor:      "security@techcorp.io",
		Endpoint:     "https://crawler.techcorp.io",
		Capabilities: []string{"web.scrape"},
		Failures:     4,
		Violations: []string{
			"scraped restricted namespace finance.reports",
			"exceeded mesh rate ceiling",
			"credential replay detected",
			"scraped restricted namespace finance.reports",
		},
	},
}

func registerCast(ctx context.Context, c *client.Client) (map[string]*client.RegisteredAgent, error) {
	fmt.Println("\nregistering agents")
	regs := make(map[string]*client.RegisteredAgent, len(cast))
	for _, a := range cast {
		reg, err := c.RegisterAgent(ctx, client.RegisterAgentRequest{
			Name:         a.Name,
			Organization: a.Organization,
			SponsorEmail: a.Sponsor,
			Capabilities: a.Capabilities,
			Endpoint:     a.Endpoint,
			Metadata:     a.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", a.Name, err)
		}
		regs[a.Name] = reg
		fmt.Printf("  agent %-13s  %s  %s\n",
			a.Name, reg.Agent.DID, strings.Join(reg.Agent.Capabilities, ","))
	}
	return regs, nil
}

// ── Governance policy ────────────────────────────────────────────────────────

// demoPolicy blocks the distrusted, flags production deploys for human
// approval, and otherwise falls through to the declared defaults.
const demoPolicy = `version: "1"
name: demo-governance
description: Baseline governance for the demo cast.
agents:
  - "*"
rules:
  - name: block-untrusted
    priority: 10
    condition:
      field: trust_score
      operator: lt
      value: 400
    action: deny
  - name: approve-production-deploys
    priority: 20
    condition:
      field: action
      operator: matches
      value: '^deploy\.production$'
    action: require_approval
defaults:
  min_trust_score: 250
  max_delegation_depth: 5
  allowed_namespaces: ["*"]
  require_handshake: false
`

func loadPolicy(ctx context.Context, c *client.Client) error {
	fmt.Println("\nloading policy")
	info, err := c.LoadPolicy(ctx, []byte(demoPolicy))
	if err != nil {
		return err
	}
	fmt.Printf("  policy %-20s  rules:%d\n", info.Name, info.Rules)
	return nil
}

// ── Trust shaping ────────────────────────────────────────────────────────────

func shapeTrust(ctx context.Context, c *client.Client, regs map[string]*client.RegisteredAgent) error {
	fmt.Println("\nshaping trust")
	for _, a := range cast {
		d := regs[a.Name].Agent.DID
		for i := 0; i < a.Successes; i++ {
			if _, err := c.RecordTask(ctx, d, client.TaskSuccess, seedSource); err != nil {
				return fmt.Errorf("task success for %s: %w", a.Name, err)
			}
		}
		for i := 0; i < a.Failures; i++ {
			if _, err := c.RecordTask(ctx, d, client.TaskFailure, seedSource); err != nil {
				return fmt.Errorf("task failure for %s: %w", a.Name, err)
			}
		}
		for _, s := range a.Signals {
			for i := 0; i < s.Count; i++ {
				if _, err := c.RecordSignal(ctx, d, s.Dimension, s.Value, seedSource); err != nil {
					return fmt.Errorf("signal %s for %s: %w", s.Dimension, a.Name, err)
				}
			}
		}
		for _, detail := range a.Violations {
			if _, err := c.RecordViolation(ctx, d, seedSource, detail); err != nil {
				return fmt.Errorf("violation for %s: %w", a.Name, err)
			}
		}

		ts, err := c.Score(ctx, d)
		if err != nil {
			return fmt.Errorf("score for %s: %w", a.Name, err)
		}
		note := ""
		if ts.Latched {
			note = " (latched)"
		}
		fmt.Printf("  agent %-13s  score %6.1f  %s%s\n", a.Name, ts.TotalScore, ts.Tier, note)
	}
	return nil
}

// ── Governance demo ──────────────────────────────────────────────────────────

func evaluatePolicies(ctx context.Context, c *client.Client, regs map[string]*client.RegisteredAgent) error {
	fmt.Println("\nevaluating policy")
	evals := []struct {
		agent  string
		action string
	}{
		{"review-bot", "code.review"},
		{"deploy-bot", "deploy.production"},
		{"night-crawler", "web.scrape"},
	}
	for _, e := range evals {
		d := regs[e.agent].Agent.DID
		ts, err := c.Score(ctx, d)
		if err != nil {
			return fmt.Errorf("score for %s: %w", e.agent, err)
		}
		dec, err := c.EvaluatePolicy(ctx, d, e.action, map[string]any{
			"action":      e.action,
			"trust_score": ts.TotalScore,
		})
		if err != nil {
			return fmt.Errorf("evaluate for %s: %w", e.agent, err)
		}
		fmt.Printf("  %-13s  %-18s  %-16s  %s\n", e.agent, e.action, dec.Action, dec.Reason)
	}
	return nil
}

func issueCredential(ctx context.Context, c *client.Client, regs map[string]*client.RegisteredAgent) error {
	fmt.Println("\nissuing credential")
	reg := regs["review-bot"]
	cred, err := c.IssueCredential(ctx, reg.Agent.DID, 0, []string{"code.review"})
	if err != nil {
		return err
	}
	fmt.Printf("  credential %-12s  %s  scopes %s  ttl %s\n",
		cred.ID, reg.Agent.Name, strings.Join(cred.Scopes, ","),
		cred.ExpiresAt.Sub(cred.IssuedAt).Round(time.Second))
	return nil
}

func runHandshake(ctx context.Context, c *client.Client, regs map[string]*client.RegisteredAgent) error {
	fmt.Println("\nrunning handshake")
	reg := regs["review-bot"]
	id, err := reg.Identity()
	if err != nil {
		return err
	}
	ts, err := c.Score(ctx, reg.Agent.DID)
	if err != nil {
		return err
	}

	ch, err := c.NewChallenge(ctx)
	if err != nil {
		return err
	}
	resp, err := id.Respond(ch, ts.TotalScore)
	if err != nil {
		return err
	}
	res, err := c.VerifyHandshake(ctx, resp, client.Requirements{})
	if err != nil {
		return err
	}
	if !res.Verified {
		return fmt.Errorf("handshake rejected: %s", res.RejectionReason)
	}
	fmt.Printf("  verified %-13s  score %6.1f  latency %.2fms\n",
		reg.Agent.Name, res.TrustScore, res.LatencyMS)
	return nil
}
