// Package client is the AgentMesh Go SDK.
//
// It provides everything a developer needs to put an agent on the mesh:
// registering identities, issuing and rotating credentials, running
// verification handshakes, evaluating policies, and reading the audit
// journal, all in one coherent API.
//
// # Connecting as a registered agent (most common case)
//
// After 'meshctl register --identity', the agent's key material lives in
// an identity file. Load it in one call:
//
//	c, err := client.New("https://mesh.internal:8080",
//	    client.WithIdentityFile(os.ExpandEnv("$HOME/.agentmesh/identity.json")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// With an identity attached, every request carries the caller's trust
// headers: the DID, the public key, the capability list, and an Ed25519
// signature over "METHOD\nPATH". Control planes running in strict mode
// reject requests without them.
//
// # Registering a new agent programmatically
//
// Registration returns the Ed25519 private key exactly once. Convert it
// to an Identity and save it before the response goes out of scope:
//
//	reg, err := c.RegisterAgent(ctx, client.RegisterAgentRequest{
//	    Name:         "review-bot",
//	    Organization: "acme",
//	    SponsorEmail: "ops@acme.dev",
//	    Capabilities: []string{"code.review"},
//	    Endpoint:     "https://review-bot.acme.dev",
//	})
//	id, err := reg.Identity()
//	err = id.Save(os.ExpandEnv("$HOME/.agentmesh/identity.json"))
//
// # Verifying a peer
//
// The initiator mints a challenge, forwards it to the peer over any
// transport, and submits the peer's signed response for judgment:
//
//	ch, _ := c.NewChallenge(ctx)
//	// ... deliver ch to the peer; the peer calls its own
//	// identity.Respond(ch, score) and sends the response back ...
//	res, err := c.VerifyHandshake(ctx, resp, client.Requirements{
//	    RequiredTrustScore:   600,
//	    RequiredCapabilities: []string{"code.review"},
//	})
//	if !res.Verified {
//	    log.Printf("peer rejected: %s", res.RejectionReason)
//	}
//
// A rejected peer is not an error; only unknown or replayed challenges
// and transport failures are.
//
// # Calling another agent
//
// CallPeer resolves the peer's registered endpoint, obtains a scoped
// credential (issued and rotated automatically), and makes the
// authenticated HTTP call in one step:
//
//	var reply ReviewReply
//	err := c.CallPeer(ctx, peerDID, http.MethodPost, "/v1/review",
//	    &ReviewRequest{Diff: diff}, &reply)
//
// reqBody and respBody are JSON-encoded/decoded automatically. Pass nil
// for either when not needed. Add endpoint caching with WithCacheTTL to
// avoid repeated lookups:
//
//	c, _ := client.New(meshURL,
//	    client.WithIdentityFile(idPath),
//	    client.WithCacheTTL(60*time.Second),
//	)
//
// # Credential management
//
// Credentials are fetched automatically by CallPeer and rotated 60
// seconds before expiry. For manual control:
//
//	cred, err := c.IssueCredential(ctx, myDID, 15*time.Minute, []string{"code.review"})
//	cred, err = c.RotateCredential(ctx, cred.ID)
//
// # Unauthenticated read access
//
// Reads are public on meshes that do not run strict trust headers:
//
//	c, _ := client.New(meshURL)
//	score, err := c.Score(ctx, agentDID)
//
// # Error handling
//
// Non-2xx responses come back as *APIError; rate-limit denials as
// *RateLimitError with the server-suggested wait:
//
//	var rle *client.RateLimitError
//	if errors.As(err, &rle) {
//	    time.Sleep(rle.RetryAfter)
//	}
package client
