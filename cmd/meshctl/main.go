package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/transport"
	"github.com/agentmesh/agentmesh/pkg/client"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

// Exit codes, stable for scripts.
const (
	exitFailure        = 1
	exitUsage          = 2
	exitTrustRejected  = 3
	exitPolicyViolated = 4
)

var (
	errTrustRejected  = errors.New("trust verification failed")
	errPolicyViolated = errors.New("policy violation")
)

var (
	meshURL      string
	cfgFile      string
	identityPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var uerr *usageError
	var apiErr *client.APIError
	switch {
	case errors.As(err, &uerr),
		strings.HasPrefix(err.Error(), "unknown command"):
		return exitUsage
	case errors.Is(err, errPolicyViolated):
		return exitPolicyViolated
	case errors.Is(err, errTrustRejected):
		return exitTrustRejected
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden:
		return exitTrustRejected
	default:
		return exitFailure
	}
}

// usageError marks bad invocations so they exit 2 instead of 1.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usage(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usage(cobra.ExactArgs(n)(cmd, args))
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usage(cobra.MinimumNArgs(n)(cmd, args))
	}
}

func parseDID(raw string) (did.DID, error) {
	d, err := did.Parse(raw)
	if err != nil {
		return "", usage(fmt.Errorf("invalid DID %q: %w", raw, err))
	}
	return d, nil
}

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "AgentMesh operator CLI",
	Long: `meshctl is the operator's interface to an AgentMesh control plane.

It registers agents, issues and rotates credentials, drives verification
handshakes, evaluates governance policies, and inspects the tamper-evident
audit journal.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".agentmesh"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("agentmesh")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if meshURL == "" {
			meshURL = viper.GetString("mesh_url")
		}
		if meshURL == "" {
			meshURL = "http://localhost:8080"
		}
		if identityPath == "" {
			identityPath = viper.GetString("identity")
		}
		if identityPath == "" {
			home, _ := os.UserHomeDir()
			identityPath = filepath.Join(home, ".agentmesh", "identity.json")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.agentmesh/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&meshURL, "mesh", "", "control plane base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&identityPath, "identity", "", "agent identity file (default ~/.agentmesh/identity.json)")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usage(err)
	})

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(handshakeCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an SDK client, attaching the identity file when one
// exists. Commands that must authenticate pass needIdentity.
func newClient(needIdentity bool) (*client.Client, error) {
	opts := []client.Option{}
	if _, err := os.Stat(identityPath); err == nil {
		opts = append(opts, client.WithIdentityFile(identityPath))
	} else if needIdentity {
		return nil, fmt.Errorf("no identity at %s (run 'meshctl register' first, or pass --identity)", identityPath)
	}
	return client.New(meshURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regName     string
	regOrg      string
	regSponsor  string
	regCaps     []string
	regEndpoint string
	regMeta     map[string]string
	regOut      string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent and save its identity file",
	Long: `Register creates an agent on the control plane and writes the returned
private key to an identity file. The control plane keeps only the public
half; losing the file means re-registering.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}

		reg, err := c.RegisterAgent(context.Background(), client.RegisterAgentRequest{
			Name:         regName,
			Organization: regOrg,
			SponsorEmail: regSponsor,
			Capabilities: regCaps,
			Endpoint:     regEndpoint,
			Metadata:     regMeta,
		})
		if err != nil {
			return fmt.Errorf("register agent: %w", err)
		}

		id, err := reg.Identity()
		if err != nil {
			return fmt.Errorf("build identity from response: %w", err)
		}

		out := regOut
		if out == "" {
			out = identityPath
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
		if err := id.Save(out); err != nil {
			return fmt.Errorf("save identity: %w", err)
		}

		fmt.Printf("✓ Agent registered\n\n")
		fmt.Printf("  DID:      %s\n", reg.Agent.DID)
		fmt.Printf("  Status:   %s\n", reg.Agent.Status)
		fmt.Printf("  Identity: %s (contains the private key)\n\n", out)
		fmt.Printf("Next: meshctl handshake challenge to verify a peer, or\n")
		fmt.Printf("      meshctl credential issue %s to mint a bearer credential\n", reg.Agent.DID)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&regName, "name", "", "Agent name")
	registerCmd.Flags().StringVar(&regOrg, "org", "", "Owning organization")
	registerCmd.Flags().StringVar(&regSponsor, "sponsor", "", "Sponsor email (notified on lifecycle events)")
	registerCmd.Flags().StringSliceVar(&regCaps, "capability", nil, "Capability the agent holds (repeatable, e.g. code.review)")
	registerCmd.Flags().StringVar(&regEndpoint, "endpoint", "", "HTTPS endpoint where the agent answers peer calls")
	registerCmd.Flags().StringToStringVar(&regMeta, "metadata", nil, "Free-form key=value metadata (repeatable)")
	registerCmd.Flags().StringVar(&regOut, "out", "", "Identity file destination (default --identity path)")

	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("sponsor")
}

// ── resolve ──────────────────────────────────────────────────────────────────

// resolveRow holds the outcome of a single DID resolution attempt.
type resolveRow struct {
	did   string
	agent *client.Agent
	err   error
}

var resolveFormat string

var resolveCmd = &cobra.Command{
	Use:   "resolve <did> [did...]",
	Short: "Resolve one or more agent DIDs to their endpoints",
	Long: `Resolve looks up agents on the control plane and reports where they
answer peer calls. Multiple DIDs are resolved concurrently and displayed
as a table:

  meshctl resolve did:mesh:0123456789abcdef0123456789abcdef \
          did:mesh:fedcba9876543210fedcba9876543210`,
	Args: minArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveFormat, "format", "text", "Output format: text or json")
}

func runResolve(cmd *cobra.Command, args []string) error {
	// Validate all DIDs up-front.
	for _, raw := range args {
		if _, err := parseDID(raw); err != nil {
			return err
		}
	}

	c, err := newClient(false)
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Resolve all DIDs concurrently.
	resultsCh := make(chan resolveRow, len(args))
	for _, raw := range args {
		raw := raw
		go func() {
			agent, err := c.GetAgent(ctx, did.DID(raw))
			resultsCh <- resolveRow{did: raw, agent: agent, err: err}
		}()
	}

	// Collect in input order.
	ordered := make([]resolveRow, len(args))
	byDID := make(map[string]resolveRow, len(args))
	for range args {
		r := <-resultsCh
		byDID[r.did] = r
	}
	for i, raw := range args {
		ordered[i] = byDID[raw]
	}

	switch resolveFormat {
	case "json":
		return printResolveJSON(ordered)
	default:
		return printResolveText(ordered)
	}
}

func printResolveJSON(results []resolveRow) error {
	type jsonRow struct {
		DID      string `json:"did"`
		Endpoint string `json:"endpoint,omitempty"`
		Status   string `json:"status,omitempty"`
		Error    string `json:"error,omitempty"`
	}
	rows := make([]jsonRow, len(results))
	for i, r := range results {
		if r.err != nil {
			rows[i] = jsonRow{DID: r.did, Error: r.err.Error()}
		} else {
			rows[i] = jsonRow{DID: r.did, Endpoint: r.agent.Endpoint, Status: r.agent.Status}
		}
	}
	// Single result: unwrap from array for convenience.
	var v any = rows
	if len(rows) == 1 {
		v = rows[0]
	}
	return printJSON(v)
}

func printResolveText(results []resolveRow) error {
	if len(results) == 1 {
		r := results[0]
		if r.err != nil {
			return fmt.Errorf("resolve %q: %w", r.did, r.err)
		}
		fmt.Printf("DID:      %s\n", r.did)
		fmt.Printf("Name:     %s\n", r.agent.Name)
		fmt.Printf("Status:   %s\n", r.agent.Status)
		if r.agent.Endpoint != "" {
			fmt.Printf("Endpoint: %s\n", r.agent.Endpoint)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DID\tENDPOINT\tSTATUS\tERROR")
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(w, "%s\t\t\t%s\n", r.did, r.err.Error())
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t\n", r.did, r.agent.Endpoint, r.agent.Status)
		}
	}
	return w.Flush()
}

// ── agent ────────────────────────────────────────────────────────────────────

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and manage agent registrations",
}

var agentFormat string

var agentGetCmd = &cobra.Command{
	Use:   "get <did>",
	Short: "Show one agent's registration",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		agent, err := c.GetAgent(context.Background(), d)
		if err != nil {
			return err
		}
		if agentFormat == "json" {
			return printJSON(agent)
		}
		fmt.Printf("DID:          %s\n", agent.DID)
		fmt.Printf("Name:         %s\n", agent.Name)
		fmt.Printf("Status:       %s\n", agent.Status)
		if agent.Organization != "" {
			fmt.Printf("Organization: %s\n", agent.Organization)
		}
		if len(agent.Capabilities) > 0 {
			fmt.Printf("Capabilities: %s\n", strings.Join(agent.Capabilities, ", "))
		}
		if agent.Endpoint != "" {
			fmt.Printf("Endpoint:     %s\n", agent.Endpoint)
		}
		fmt.Printf("Registered:   %s\n", agent.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var (
	listStatus string
	listOrg    string
	listCap    string
)

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		agents, err := c.ListAgents(context.Background(), client.AgentFilter{
			Status:       listStatus,
			Organization: listOrg,
			Capability:   listCap,
		})
		if err != nil {
			return err
		}
		if agentFormat == "json" {
			return printJSON(agents)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DID\tNAME\tSTATUS\tORGANIZATION\tENDPOINT")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.DID, a.Name, a.Status, a.Organization, a.Endpoint)
		}
		return w.Flush()
	},
}

var trailLimit int

var agentTrailCmd = &cobra.Command{
	Use:   "trail <did>",
	Short: "Show an agent's audit trail",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		entries, err := c.AgentAuditTrail(context.Background(), d, trailLimit)
		if err != nil {
			return err
		}
		if agentFormat == "json" {
			return printJSON(entries)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tACTION\tOUTCOME")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.EventType, e.Action, e.Outcome)
		}
		return w.Flush()
	},
}

var (
	revokeReason string
	revokeBy     string
	revokeForce  bool
)

var agentRevokeCmd = &cobra.Command{
	Use:   "revoke <did>",
	Short: "Permanently revoke an agent",
	Long: `Revoke removes an agent from the mesh. Its credentials stop validating,
handshakes reject it, and the action is journaled. Revocation is permanent;
a compromised agent re-enters by registering a fresh identity.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ctx := context.Background()

		agent, err := c.GetAgent(ctx, d)
		if err != nil {
			return err
		}
		fmt.Printf("\nAgent to revoke:\n\n")
		fmt.Printf("  DID:    %s\n", agent.DID)
		fmt.Printf("  Name:   %s\n", agent.Name)
		fmt.Printf("  Status: %s\n\n", agent.Status)

		if !revokeForce {
			fmt.Print("This action cannot be undone. Confirm revocation? [y/N]: ")
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if _, err := c.RevokeAgent(ctx, d, revokeReason, revokeBy); err != nil {
			return fmt.Errorf("revoke failed: %w", err)
		}
		fmt.Printf("✓ Agent revoked: %s\n", d)
		return nil
	},
}

var agentSuspendCmd = &cobra.Command{
	Use:   "suspend <did>",
	Short: "Suspend an agent (reversible)",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		if err := c.SuspendAgent(context.Background(), d); err != nil {
			return err
		}
		fmt.Printf("✓ Agent suspended: %s\n", d)
		return nil
	},
}

var reinstateAttestation string

var agentReinstateCmd = &cobra.Command{
	Use:   "reinstate <did>",
	Short: "Reinstate a suspended agent",
	Long: `Reinstate returns a suspended agent to active. Agents that were
auto-revoked by the trust engine additionally require the admin
attestation secret (--attestation).`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		if err := c.ReinstateAgent(context.Background(), d, reinstateAttestation); err != nil {
			return err
		}
		fmt.Printf("✓ Agent reinstated: %s\n", d)
		return nil
	},
}

func init() {
	agentCmd.PersistentFlags().StringVar(&agentFormat, "format", "text", "Output format: text or json")
	agentListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (active, suspended, revoked)")
	agentListCmd.Flags().StringVar(&listOrg, "org", "", "Filter by organization")
	agentListCmd.Flags().StringVar(&listCap, "capability", "", "Filter by capability")
	agentTrailCmd.Flags().IntVar(&trailLimit, "limit", 0, "Max entries (0 = all)")
	agentRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Reason recorded in the journal")
	agentRevokeCmd.Flags().StringVar(&revokeBy, "by", "", "Operator performing the revocation")
	agentRevokeCmd.Flags().BoolVar(&revokeForce, "force", false, "Skip confirmation prompt")
	agentReinstateCmd.Flags().StringVar(&reinstateAttestation, "attestation", "", "Admin attestation secret (required after auto-revocation)")
	_ = agentRevokeCmd.MarkFlagRequired("reason")

	agentCmd.AddCommand(agentGetCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentTrailCmd)
	agentCmd.AddCommand(agentRevokeCmd)
	agentCmd.AddCommand(agentSuspendCmd)
	agentCmd.AddCommand(agentReinstateCmd)
}

// ── credential ───────────────────────────────────────────────────────────────

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Issue, rotate, and revoke bearer credentials",
}

var (
	issueTTL    time.Duration
	issueScopes []string
)

var credentialIssueCmd = &cobra.Command{
	Use:   "issue <did>",
	Short: "Issue a short-lived bearer credential for an agent",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		cred, err := c.IssueCredential(context.Background(), d, issueTTL, issueScopes)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Credential issued\n\n")
		fmt.Printf("  ID:      %s\n", cred.ID)
		fmt.Printf("  Token:   %s\n", cred.Token)
		fmt.Printf("  Expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var credentialRotateCmd = &cobra.Command{
	Use:   "rotate <credential-id>",
	Short: "Rotate a credential (new token first, old revoked after)",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		cred, err := c.RotateCredential(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Credential rotated\n\n")
		fmt.Printf("  ID:      %s\n", cred.ID)
		fmt.Printf("  Token:   %s\n", cred.Token)
		fmt.Printf("  Expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var credentialRevokeCmd = &cobra.Command{
	Use:   "revoke <credential-id>",
	Short: "Revoke a credential immediately",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		if err := c.RevokeCredential(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Credential revoked: %s\n", args[0])
		return nil
	},
}

func init() {
	credentialIssueCmd.Flags().DurationVar(&issueTTL, "ttl", 0, "Credential lifetime (default: server default, 15m)")
	credentialIssueCmd.Flags().StringSliceVar(&issueScopes, "scope", nil, "Scope granted to the credential (repeatable; defaults to the agent's capabilities)")

	credentialCmd.AddCommand(credentialIssueCmd)
	credentialCmd.AddCommand(credentialRotateCmd)
	credentialCmd.AddCommand(credentialRevokeCmd)
}

// ── handshake ────────────────────────────────────────────────────────────────

var handshakeCmd = &cobra.Command{
	Use:   "handshake",
	Short: "Drive the peer verification protocol",
	Long: `handshake exposes each protocol step for scripting:

  meshctl handshake challenge > challenge.json        # initiator
  meshctl handshake respond < challenge.json > r.json # responder
  meshctl handshake verify --require-score 400 < r.json

Use 'meshctl handshake demo' for a self-contained in-process run.`,
}

var handshakeChallengeCmd = &cobra.Command{
	Use:   "challenge",
	Short: "Mint a handshake challenge",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ch, err := c.NewChallenge(context.Background())
		if err != nil {
			return err
		}
		return printJSON(ch)
	},
}

var (
	respondIn    string
	respondScore float64
)

var handshakeRespondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Answer a challenge with this agent's identity key",
	Long: `Respond reads a challenge (stdin or --in) and signs it with the local
identity. The claimed trust score is fetched from the control plane
unless --score overrides it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := client.LoadIdentity(identityPath)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}

		var in *os.File
		if respondIn != "" {
			in, err = os.Open(respondIn)
			if err != nil {
				return err
			}
			defer in.Close()
		} else {
			in = os.Stdin
		}
		var ch client.Challenge
		if err := json.NewDecoder(in).Decode(&ch); err != nil {
			return fmt.Errorf("decode challenge: %w", err)
		}

		score := respondScore
		if score < 0 {
			c, err := newClient(false)
			if err != nil {
				return err
			}
			ts, err := c.Score(context.Background(), id.DID)
			if err != nil {
				return fmt.Errorf("fetch own trust score (pass --score to skip): %w", err)
			}
			score = ts.TotalScore
		}

		resp, err := id.Respond(&ch, score)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var (
	verifyIn           string
	verifyRequireScore float64
	verifyRequireCaps  []string
)

var handshakeVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a handshake response against requirements",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in *os.File
		var err error
		if verifyIn != "" {
			in, err = os.Open(verifyIn)
			if err != nil {
				return err
			}
			defer in.Close()
		} else {
			in = os.Stdin
		}
		var resp client.HandshakeResponse
		if err := json.NewDecoder(in).Decode(&resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}

		c, err := newClient(false)
		if err != nil {
			return err
		}
		res, err := c.VerifyHandshake(context.Background(), &resp, client.Requirements{
			RequiredTrustScore:   verifyRequireScore,
			RequiredCapabilities: verifyRequireCaps,
		})
		if err != nil {
			return err
		}
		return printHandshakeResult(res)
	},
}

var handshakeResultCmd = &cobra.Command{
	Use:   "result <did>",
	Short: "Show the cached handshake verdict for a peer",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		res, err := c.CachedHandshake(context.Background(), d)
		if err != nil {
			return err
		}
		return printHandshakeResult(res)
	},
}

var (
	demoScore   float64
	demoRequire float64
)

var handshakeDemoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a full handshake in-process over a pipe transport",
	Long: `Demo registers a throwaway responder in an in-memory directory, wires
it to a broker over an in-process pipe, and runs the challenge-response
protocol end to end. Nothing touches the control plane.

Try a rejection: meshctl handshake demo --score 250`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ids := identity.NewStore()
		responder, priv, err := ids.Create(ctx, identity.RegistrationParams{
			Name:         "demo-responder",
			SponsorEmail: "ops@agentmesh.dev",
			Capabilities: []string{"demo"},
		})
		if err != nil {
			return err
		}

		broker := handshake.NewBroker(ids, handshake.WithRequiredTrustScore(demoRequire))
		local, remote := transport.Pipe()
		defer local.Close()

		answerDone := make(chan error, 1)
		go func() {
			answerDone <- transport.Answer(ctx, remote, broker, handshake.LocalAgent{
				DID:          responder.DID,
				Capabilities: responder.Capabilities,
				TrustScore:   demoScore,
				Signer:       crypto.NewKeySigner(priv),
			})
		}()

		res, err := broker.Handshake(ctx, transport.NewRemotePeer(local, responder.DID), handshake.Requirements{})
		local.Close()
		<-answerDone
		if err != nil {
			return err
		}
		return printHandshakeResult(res)
	},
}

func printHandshakeResult(res any) error {
	// Both the SDK result and the broker result carry the same fields.
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	var r client.HandshakeResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return err
	}

	if !r.Verified {
		fmt.Printf("✗ Peer rejected: %s\n", r.RejectionReason)
		return errTrustRejected
	}
	fmt.Printf("✓ Peer verified\n\n")
	fmt.Printf("  DID:     %s\n", r.PeerDID)
	fmt.Printf("  Score:   %.1f\n", r.TrustScore)
	if len(r.Capabilities) > 0 {
		fmt.Printf("  Caps:    %s\n", strings.Join(r.Capabilities, ", "))
	}
	fmt.Printf("  Latency: %.1fms\n", r.LatencyMS)
	return nil
}

func init() {
	handshakeRespondCmd.Flags().StringVar(&respondIn, "in", "", "Challenge file (default stdin)")
	handshakeRespondCmd.Flags().Float64Var(&respondScore, "score", -1, "Claimed trust score (default: fetch from control plane)")
	handshakeVerifyCmd.Flags().StringVar(&verifyIn, "in", "", "Response file (default stdin)")
	handshakeVerifyCmd.Flags().Float64Var(&verifyRequireScore, "require-score", 0, "Minimum trust score (0 = server default)")
	handshakeVerifyCmd.Flags().StringSliceVar(&verifyRequireCaps, "require-cap", nil, "Capability the peer must hold (repeatable)")
	handshakeDemoCmd.Flags().Float64Var(&demoScore, "score", 500, "Trust score the demo responder claims")
	handshakeDemoCmd.Flags().Float64Var(&demoRequire, "require", handshake.DefaultRequiredTrustScore, "Trust score the initiator requires")

	handshakeCmd.AddCommand(handshakeChallengeCmd)
	handshakeCmd.AddCommand(handshakeRespondCmd)
	handshakeCmd.AddCommand(handshakeVerifyCmd)
	handshakeCmd.AddCommand(handshakeResultCmd)
	handshakeCmd.AddCommand(handshakeDemoCmd)
}

// ── policy ───────────────────────────────────────────────────────────────────

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Load and evaluate governance policies",
}

var policyLoadCmd = &cobra.Command{
	Use:   "load <file.yaml>",
	Short: "Load a policy document onto the control plane",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		info, err := c.LoadPolicy(context.Background(), doc)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		fmt.Printf("✓ Policy %q loaded (%d rules)\n", info.Name, info.Rules)
		return nil
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		names, err := c.ListPolicies(context.Background())
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Unload a policy",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		if err := c.DeletePolicy(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Policy deleted: %s\n", args[0])
		return nil
	},
}

var evalContext []string

var policyEvalCmd = &cobra.Command{
	Use:   "eval <did> <action>",
	Short: "Evaluate an action against the loaded policies",
	Long: `Eval asks the control plane whether an agent may perform an action.
A denial exits with code 4 so pipelines can gate on it:

  meshctl policy eval did:mesh:... deploy --context namespace=prod || exit 1`,
	Args: exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		evalCtx, err := parseKVPairs(evalContext)
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		dec, err := c.EvaluatePolicy(context.Background(), d, args[1], evalCtx)
		if err != nil {
			return err
		}

		if dec.Allowed {
			fmt.Printf("✓ Allowed: %s\n", dec.Reason)
			if dec.PolicyName != "" {
				fmt.Printf("  Policy: %s (%s)\n", dec.PolicyName, dec.MatchedRule)
			}
			fmt.Printf("  Source: %s\n", dec.Source)
			return nil
		}

		fmt.Printf("✗ Denied: %s\n", dec.Reason)
		if dec.PolicyName != "" {
			fmt.Printf("  Policy: %s (%s)\n", dec.PolicyName, dec.MatchedRule)
		}
		fmt.Printf("  Source: %s\n", dec.Source)
		return errPolicyViolated
	},
}

// parseKVPairs turns repeated key=value flags into an evaluation context,
// keeping numbers and booleans typed so rule conditions can compare them.
func parseKVPairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, usage(fmt.Errorf("context %q is not key=value", p))
		}
		switch {
		case v == "true" || v == "false":
			out[k] = v == "true"
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[k] = f
			} else {
				out[k] = v
			}
		}
	}
	return out, nil
}

func init() {
	policyEvalCmd.Flags().StringArrayVar(&evalContext, "context", nil, "Evaluation context key=value (repeatable)")

	policyCmd.AddCommand(policyLoadCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyDeleteCmd)
	policyCmd.AddCommand(policyEvalCmd)
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the tamper-evident journal",
}

var (
	auditLimit  int
	auditOffset int
	auditFormat string
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journal entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		page, err := c.AuditEntries(context.Background(), auditLimit, auditOffset)
		if err != nil {
			return err
		}
		if auditFormat == "json" {
			return printJSON(page)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tAGENT\tACTION\tOUTCOME")
		for _, e := range page.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.EventType, e.AgentDID, e.Action, e.Outcome)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d entries, root %s\n", len(page.Entries), page.Total, page.Root)
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the journal's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		rep, err := c.VerifyAudit(context.Background())
		if err != nil {
			return err
		}
		if !rep.Valid {
			return fmt.Errorf("audit chain INVALID: %s", rep.Error)
		}
		fmt.Printf("✓ Audit chain verified (%d entries)\n", rep.Entries)
		fmt.Printf("  Root: %s\n", rep.Root)
		return nil
	},
}

var exportOut string

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the full journal as a portable archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		data, err := c.ExportAudit(context.Background())
		if err != nil {
			return err
		}
		if exportOut == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOut, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("✓ Journal exported to %s (%d bytes)\n", exportOut, len(data))
		return nil
	},
}

var auditProofCmd = &cobra.Command{
	Use:   "proof <index>",
	Short: "Fetch and check a Merkle inclusion proof for an entry",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil || index < 0 {
			return usage(fmt.Errorf("index %q is not a non-negative integer", args[0]))
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		proof, err := c.AuditProof(context.Background(), index)
		if err != nil {
			return err
		}

		// Re-fold the proof locally rather than trusting the server's word.
		ok, err := proof.Verify()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("inclusion proof for entry %d does NOT fold to root %s", index, proof.Root)
		}
		fmt.Printf("✓ Entry %d is included under root %s\n", index, proof.Root)
		fmt.Printf("  Entry hash: %s\n", proof.EntryHash)
		fmt.Printf("  Proof:      %d steps\n", len(proof.Proof))
		return nil
	},
}

func init() {
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Max entries per page")
	auditListCmd.Flags().IntVar(&auditOffset, "offset", 0, "Entries to skip")
	auditListCmd.Flags().StringVar(&auditFormat, "format", "text", "Output format: text or json")
	auditExportCmd.Flags().StringVar(&exportOut, "out", "", "Destination file (default stdout)")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditProofCmd)
}

// ── score ────────────────────────────────────────────────────────────────────

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Read and feed the trust scoring engine",
}

var scoreFormat string

var scoreGetCmd = &cobra.Command{
	Use:   "get <did>",
	Short: "Show an agent's trust score",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ts, err := c.Score(context.Background(), d)
		if err != nil {
			return err
		}
		if scoreFormat == "json" {
			return printJSON(ts)
		}
		printScore(ts)
		return nil
	},
}

func printScore(ts *client.TrustScore) {
	fmt.Printf("Agent:   %s\n", ts.AgentDID)
	fmt.Printf("Score:   %.1f (%s)\n", ts.TotalScore, ts.Tier)
	if ts.Latched {
		fmt.Printf("Latched: yes (auto-revoked; reinstatement requires attestation)\n")
	}
	if len(ts.Dimensions) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIMENSION\tSCORE\tSIGNALS\tPOSITIVE\tNEGATIVE")
	for name, d := range ts.Dimensions {
		fmt.Fprintf(w, "%s\t%.2f\t%d\t%d\t%d\n",
			name, d.Score, d.SignalCount, d.PositiveSignals, d.NegativeSignals)
	}
	w.Flush() //nolint:errcheck
}

var scoreBelowCmd = &cobra.Command{
	Use:   "below <threshold>",
	Short: "List agents scoring below a threshold",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return usage(fmt.Errorf("threshold %q is not a number", args[0]))
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		agents, err := c.AgentsBelowScore(context.Background(), threshold)
		if err != nil {
			return err
		}
		for _, d := range agents {
			fmt.Println(d)
		}
		return nil
	},
}

var signalSource string

var scoreSignalCmd = &cobra.Command{
	Use:   "signal <did> <dimension> <value>",
	Short: "Record a trust signal (value in [0,1])",
	Long: `Signal feeds one observation into a trust dimension. Dimensions:
competence, integrity, availability, predictability, transparency,
security_posture, collaboration_health.`,
	Args: exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		value, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return usage(fmt.Errorf("value %q is not a number", args[2]))
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ts, err := c.RecordSignal(context.Background(), d, args[1], value, signalSource)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Signal recorded, score now %.1f (%s)\n", ts.TotalScore, ts.Tier)
		return nil
	},
}

var scoreTaskCmd = &cobra.Command{
	Use:   "task <did> <success|failure>",
	Short: "Record a task outcome (feeds competence and availability)",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		outcome := args[1]
		if outcome != client.TaskSuccess && outcome != client.TaskFailure {
			return usage(fmt.Errorf("outcome must be %q or %q", client.TaskSuccess, client.TaskFailure))
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ts, err := c.RecordTask(context.Background(), d, outcome, signalSource)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Task recorded, score now %.1f (%s)\n", ts.TotalScore, ts.Tier)
		return nil
	},
}

var violationDetail string

var scoreViolationCmd = &cobra.Command{
	Use:   "violation <did>",
	Short: "Record a policy violation against an agent",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		ts, err := c.RecordViolation(context.Background(), d, signalSource, violationDetail)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Violation recorded, score now %.1f (%s)\n", ts.TotalScore, ts.Tier)
		if ts.Latched {
			fmt.Println("  Agent is auto-revoked and latched.")
		}
		return nil
	},
}

func init() {
	scoreGetCmd.Flags().StringVar(&scoreFormat, "format", "text", "Output format: text or json")
	scoreCmd.PersistentFlags().StringVar(&signalSource, "source", "meshctl", "Source recorded with the signal")
	scoreViolationCmd.Flags().StringVar(&violationDetail, "detail", "", "What the agent did")

	scoreCmd.AddCommand(scoreGetCmd)
	scoreCmd.AddCommand(scoreBelowCmd)
	scoreCmd.AddCommand(scoreSignalCmd)
	scoreCmd.AddCommand(scoreTaskCmd)
	scoreCmd.AddCommand(scoreViolationCmd)
}

// ── call ─────────────────────────────────────────────────────────────────────

var callData string

var callCmd = &cobra.Command{
	Use:   "call <did> <method> <path>",
	Short: "Call another agent's endpoint with mesh credentials",
	Long: `Call resolves the peer's endpoint, attaches a fresh bearer credential
and this agent's trust headers, and relays the response:

  meshctl call did:mesh:... POST /v1/review --data '{"diff": "..."}'
  meshctl call did:mesh:... POST /v1/review --data @review.json`,
	Args: exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseDID(args[0])
		if err != nil {
			return err
		}
		var body json.RawMessage
		if callData != "" {
			if strings.HasPrefix(callData, "@") {
				raw, err := os.ReadFile(strings.TrimPrefix(callData, "@"))
				if err != nil {
					return err
				}
				body = raw
			} else {
				body = json.RawMessage(callData)
			}
		}

		c, err := newClient(true)
		if err != nil {
			return err
		}
		out, err := c.CallPeerRaw(context.Background(), d, strings.ToUpper(args[1]), args[2], body)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, out, "", "  "); err != nil {
			// Not JSON; relay verbatim.
			fmt.Println(string(out))
			return nil
		}
		fmt.Println(pretty.String())
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callData, "data", "", "JSON request body, or @file to read one")
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show control plane health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		h, err := c.Health(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Status: %s\n", h.Status)
		fmt.Printf("Uptime: %s\n", (time.Duration(h.UptimeSeconds) * time.Second).String())
		fmt.Printf("Agents: %d\n", h.Agents)
		fmt.Printf("Audit:  %d entries\n", h.AuditEntries)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the meshctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meshctl %s (AgentMesh)\n", version)
	},
}
