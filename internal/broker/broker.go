// Package broker drives the external OAuth exchange: interactive login,
// credential decoding, allowlist gating, and token refresh against the
// provider. It owns no observable state of its own; the session controller
// layers status on top of it.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quill/internal/policy"
	"quill/internal/retry"
	"quill/internal/tokenstore"
	"quill/pkg/auth"
	"quill/pkg/autherr"
	"quill/pkg/logging"
)

// DefaultLoginTimeout bounds the wait for the interactive provider flow.
// The flow depends on user interaction and would otherwise wait forever.
const DefaultLoginTimeout = 30 * time.Second

// silentLoginTimeout bounds a prompt=none attempt, which needs no user
// interaction and either redirects immediately or fails.
const silentLoginTimeout = 10 * time.Second

// loginScope is the scope requested from the provider.
const loginScope = "openid email profile"

// flowState tracks where a login attempt is in its state machine.
type flowState int

const (
	stateIdle flowState = iota
	stateInitializing
	stateAwaitingConsent
	stateExchangingCredential
	stateCheckingAllowlist
)

// String returns the string representation of the flow state.
func (s flowState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInitializing:
		return "initializing"
	case stateAwaitingConsent:
		return "awaiting_provider_consent"
	case stateExchangingCredential:
		return "exchanging_credential"
	case stateCheckingAllowlist:
		return "checking_allowlist"
	default:
		return "unknown"
	}
}

// Config configures the broker.
type Config struct {
	// Authorizer decides allowlist membership and supplies the provider
	// client id from the policy document.
	Authorizer *policy.Authorizer

	// Store persists token material and the identity cache.
	Store *tokenstore.Store

	// Endpoints are the provider endpoints. Defaults to Google's.
	Endpoints Endpoints

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// CallbackPort is the local callback server port. Zero uses the
	// default.
	CallbackPort int

	// LoginTimeout bounds the interactive flow. Zero uses the default.
	LoginTimeout time.Duration

	// OpenBrowser opens the consent URL. Defaults to the system browser;
	// tests inject their own.
	OpenBrowser func(url string) error

	// OnAuthURL, if set, is called with the authorization URL before the
	// browser opens, so the CLI can display it.
	OnAuthURL func(url string)
}

// Broker orchestrates the OAuth token lifecycle for a single user.
type Broker struct {
	mu         sync.Mutex
	authorizer *policy.Authorizer
	store      *tokenstore.Store
	endpoints  Endpoints
	httpClient *http.Client

	callbackPort int
	loginTimeout time.Duration
	openBrowser  func(url string) error
	onAuthURL    func(url string)

	clientID    string
	initialized bool
}

// New creates a broker. Initialize must succeed before Login or Refresh can
// reach the provider.
func New(cfg Config) *Broker {
	endpoints := cfg.Endpoints
	if endpoints == (Endpoints{}) {
		endpoints = GoogleEndpoints()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	loginTimeout := cfg.LoginTimeout
	if loginTimeout == 0 {
		loginTimeout = DefaultLoginTimeout
	}

	open := cfg.OpenBrowser
	if open == nil {
		open = openBrowser
	}

	return &Broker{
		authorizer:   cfg.Authorizer,
		store:        cfg.Store,
		endpoints:    endpoints,
		httpClient:   httpClient,
		callbackPort: cfg.CallbackPort,
		loginTimeout: loginTimeout,
		openBrowser:  open,
		onAuthURL:    cfg.OnAuthURL,
	}
}

// Initialize loads the allowlist policy to obtain the provider client id.
// It runs once per session, so the retry budget is conservative.
func (b *Broker) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	result := retry.Do(ctx, "broker-initialize", retry.Conservative(), func(ctx context.Context) (string, error) {
		return b.authorizer.ClientID(ctx)
	})
	if result.Err != nil {
		return result.Err
	}
	if result.Value == "" {
		return autherr.New(autherr.KindConfigError, "policy returned an empty client_id")
	}

	b.mu.Lock()
	b.clientID = result.Value
	b.initialized = true
	b.mu.Unlock()

	logging.Debug("Broker", "initialized with provider client id (retries: %d)", result.RetryCount)
	return nil
}

// Login drives the interactive provider flow exactly once per call.
//
// When a cached identity exists, a silent prompt=none attempt with its email
// as login hint runs first; if the provider requires interaction, the flow
// falls back to the regular consent screen. Either way the wait is bounded:
// a flow that neither completes nor is cancelled within the timeout resolves
// as a retryable OAuthFailed.
//
// Allowlist rejection always overrides a valid credential; token material is
// persisted only after authorization succeeds.
func (b *Broker) Login(ctx context.Context) (*auth.Identity, error) {
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}

	flowID := uuid.NewString()

	if hint := b.loginHint(); hint != "" {
		logging.Debug("Broker", "attempting silent re-authentication, flow_id=%s", flowID)
		identity, err := b.runFlow(ctx, flowID, hint)
		if err == nil {
			return identity, nil
		}
		if classified := autherr.Classify(err); classified.Kind == autherr.KindAccessDenied {
			return nil, classified
		}
		logging.Debug("Broker", "silent re-authentication failed, falling back to interactive, flow_id=%s", flowID)
	}

	return b.runFlow(ctx, flowID, "")
}

// LoginSilent runs only the prompt=none attempt, never falling back to the
// consent screen. It requires a cached identity to hint the provider with.
func (b *Broker) LoginSilent(ctx context.Context) (*auth.Identity, error) {
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}

	hint := b.loginHint()
	if hint == "" {
		return nil, autherr.New(autherr.KindOAuthFailed, "no cached identity for silent sign-in")
	}

	return b.runFlow(ctx, uuid.NewString(), hint)
}

// loginHint returns the cached identity's email, if any.
func (b *Broker) loginHint() string {
	if identity := b.store.LoadIdentity(); identity != nil {
		return identity.Email
	}
	return ""
}

// runFlow executes one pass of the login state machine. A non-empty
// loginHint makes it a silent (prompt=none) attempt.
func (b *Broker) runFlow(ctx context.Context, flowID, loginHint string) (*auth.Identity, error) {
	silent := loginHint != ""

	timeout := b.loginTimeout
	if silent {
		timeout = silentLoginTimeout
	}
	flowCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.logTransition(flowID, stateInitializing)

	pkce, err := generatePKCE()
	if err != nil {
		return nil, autherr.Newf(autherr.KindOAuthFailed, "failed to prepare login: %v", err)
	}
	state, err := generateState()
	if err != nil {
		return nil, autherr.Newf(autherr.KindOAuthFailed, "failed to prepare login: %v", err)
	}

	callback := newCallbackServer(b.callbackPort)
	redirectURI, err := callback.start(flowCtx)
	if err != nil {
		return nil, autherr.Newf(autherr.KindOAuthFailed, "failed to start callback server: %v", err)
	}
	defer callback.stop()

	authURL := b.authorizationURL(redirectURI, state, pkce, loginHint)
	if b.onAuthURL != nil && !silent {
		b.onAuthURL(authURL)
	}

	b.logTransition(flowID, stateAwaitingConsent)
	if err := b.openBrowser(authURL); err != nil {
		return nil, autherr.Newf(autherr.KindOAuthFailed, "failed to open provider consent screen: %v", err)
	}

	result, err := callback.wait(flowCtx)
	if err != nil {
		if flowCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, autherr.Newf(autherr.KindOAuthFailed, "login did not complete within %s", timeout)
		}
		return nil, autherr.Classify(err)
	}

	if result.State != state {
		logging.Warn("Broker", "state mismatch on OAuth callback, flow_id=%s", flowID)
		return nil, autherr.New(autherr.KindOAuthFailed, "state mismatch on provider callback")
	}
	if result.IsError() {
		// The provider reporting error=access_denied means the user
		// declined consent, not an allowlist rejection.
		if result.ErrorDescription != "" {
			return nil, autherr.Newf(autherr.KindOAuthFailed, "authorization failed: %s (%s)", result.Error, result.ErrorDescription)
		}
		return nil, autherr.Newf(autherr.KindOAuthFailed, "authorization failed: %s", result.Error)
	}

	b.logTransition(flowID, stateExchangingCredential)
	tokens, err := b.exchangeCode(flowCtx, result.Code, redirectURI, pkce.CodeVerifier)
	if err != nil {
		return nil, autherr.Classify(err)
	}

	decoded, err := decodeCredential(tokens.IDToken)
	if err != nil {
		return nil, autherr.Classify(err)
	}

	b.logTransition(flowID, stateCheckingAllowlist)
	identity := decoded.Identity
	if !decoded.EmailVerified {
		// Unverified emails cannot be trusted for allowlist matching.
		logging.Info("Broker", "login rejected: provider has not verified the account email, flow_id=%s", flowID)
		return nil, autherr.New(autherr.KindAccessDenied, "access denied: account email is not verified by the provider")
	}
	decision, err := b.authorizer.IsAuthorized(ctx, identity.Email)
	if err != nil {
		return nil, autherr.Classify(err)
	}
	if !decision.Allowed {
		logging.Info("Broker", "login rejected by allowlist: %s, flow_id=%s", decision.Reason, flowID)
		return nil, autherr.Newf(autherr.KindAccessDenied, "access denied: %s", decision.Reason)
	}

	tokenSet := tokenSetFromResponse(tokens, decoded)
	b.store.Save(tokenSet)
	b.store.SaveIdentity(&identity)

	logging.Info("Broker", "login succeeded for subject %s, flow_id=%s", identity.ID, flowID)
	return &identity, nil
}

// CurrentIdentity returns the persisted identity, re-checking allowlist
// membership on every call. An identity that has been removed from the
// policy is logged out immediately rather than trusted until the next
// login.
func (b *Broker) CurrentIdentity(ctx context.Context) (*auth.Identity, error) {
	identity := b.store.LoadIdentity()
	if identity == nil {
		return nil, nil
	}
	if b.store.Load() == nil {
		// Orphaned identity cache without token material.
		b.store.ClearIdentity()
		return nil, nil
	}

	decision, err := b.authorizer.IsAuthorized(ctx, identity.Email)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		logging.Info("Broker", "stored identity no longer authorized (%s), logging out", decision.Reason)
		b.store.Clear()
		b.store.ClearIdentity()
		return nil, nil
	}

	return identity, nil
}

// IsTokenValid reports whether a stored, unexpired token exists. Both the
// persisted expiry and the credential's own exp claim are checked: clock
// skew or a corrupted persisted expiry must not mask an actually-expired
// credential.
func (b *Broker) IsTokenValid() bool {
	tokens := b.store.Load()
	if tokens == nil {
		return false
	}
	if tokens.IsExpired() {
		return false
	}
	if credentialExpired(tokens.IDToken) {
		return false
	}
	return true
}

// Refresh obtains a new token set using the stored refresh token. A missing
// refresh token is a hard failure and causes no network call. On success
// the new token set is persisted, preserving the previous refresh token if
// the provider omitted one.
func (b *Broker) Refresh(ctx context.Context) bool {
	previous := b.store.Load()
	if previous == nil || previous.RefreshToken == "" {
		logging.Debug("Broker", "refresh skipped: no stored refresh token")
		return false
	}

	if err := b.Initialize(ctx); err != nil {
		logging.Warn("Broker", "refresh failed during initialization: %v", err)
		return false
	}

	result := retry.Do(ctx, "token-refresh", retry.Conservative(), func(ctx context.Context) (*tokenResponse, error) {
		return b.refreshGrant(ctx, previous.RefreshToken)
	})
	if result.Err != nil {
		logging.Warn("Broker", "token refresh failed after %d attempt(s): %v", result.Attempts, result.Err)
		return false
	}

	tokens := result.Value
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = previous.RefreshToken
	}
	if tokens.IDToken == "" {
		tokens.IDToken = previous.IDToken
	}

	decoded, err := decodeCredential(tokens.IDToken)
	if err != nil {
		logging.Warn("Broker", "refresh returned an undecodable credential: %v", err)
		return false
	}

	b.store.Save(tokenSetFromResponse(tokens, decoded))
	logging.Info("Broker", "token refreshed, retries: %d", result.RetryCount)
	return true
}

// Logout clears local state and best-effort revokes the provider session.
// Local clearing always succeeds and is never rolled back by a remote
// failure.
func (b *Broker) Logout(ctx context.Context) {
	tokens := b.store.Load()

	b.store.Clear()
	b.store.ClearIdentity()

	if tokens == nil {
		return
	}

	revoke := tokens.RefreshToken
	if revoke == "" {
		revoke = tokens.AccessToken
	}
	if revoke == "" || b.endpoints.RevokeURL == "" {
		return
	}

	if err := b.revokeToken(ctx, revoke); err != nil {
		logging.Warn("Broker", "provider-side revocation failed (local state already cleared): %v", err)
	}
}

// authorizationURL builds the provider consent URL.
func (b *Broker) authorizationURL(redirectURI, state string, pkce *pkceChallenge, loginHint string) string {
	b.mu.Lock()
	clientID := b.clientID
	b.mu.Unlock()

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {loginScope},
		"state":                 {state},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {pkce.CodeChallengeMethod},
		"access_type":           {"offline"},
	}
	if loginHint != "" {
		params.Set("prompt", "none")
		params.Set("login_hint", loginHint)
	}

	return b.endpoints.AuthURL + "?" + params.Encode()
}

// tokenResponse is the provider's token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope"`
}

// exchangeCode exchanges an authorization code for tokens.
func (b *Broker) exchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*tokenResponse, error) {
	b.mu.Lock()
	clientID := b.clientID
	b.mu.Unlock()

	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
		"client_id":     {clientID},
	}

	tokens, err := b.postTokenEndpoint(ctx, data)
	if err != nil {
		return nil, err
	}
	if tokens.IDToken == "" {
		return nil, autherr.New(autherr.KindOAuthFailed, "token exchange returned no credential")
	}
	return tokens, nil
}

// refreshGrant performs the refresh_token grant.
func (b *Broker) refreshGrant(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	b.mu.Lock()
	clientID := b.clientID
	b.mu.Unlock()

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}

	return b.postTokenEndpoint(ctx, data)
}

func (b *Broker) postTokenEndpoint(ctx context.Context, data url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoints.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	return &tokens, nil
}

// revokeToken posts to the provider revocation endpoint.
func (b *Broker) revokeToken(ctx context.Context, token string) error {
	data := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoints.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// tokenSetFromResponse builds the persisted token set from a token endpoint
// response and its decoded credential.
func tokenSetFromResponse(tokens *tokenResponse, decoded *decodedCredential) *tokenstore.TokenSet {
	issuedAt := time.Now()

	set := &tokenstore.TokenSet{
		AccessToken:  tokens.AccessToken,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		Scope:        tokens.Scope,
		IssuedAt:     issuedAt,
	}

	switch {
	case tokens.ExpiresIn > 0:
		set.ExpiresAt = issuedAt.Add(time.Duration(tokens.ExpiresIn) * time.Second)
	case !decoded.ExpiresAt.IsZero():
		// No expires_in from the provider: fall back to the credential's
		// own exp claim.
		set.ExpiresAt = decoded.ExpiresAt
	}

	return set
}

func (b *Broker) logTransition(flowID string, state flowState) {
	logging.Debug("Broker", "login flow state: %s, flow_id=%s", state, flowID)
}
