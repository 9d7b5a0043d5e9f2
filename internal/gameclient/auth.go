package gameclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/zulandar/botfleet/internal/session"
)

// DeviceAuth obtains access tokens with the OAuth2 device-code flow and
// caches them per account.
type DeviceAuth struct {
	cfg    *oauth2.Config
	client *http.Client

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

// AuthOpts holds parameters for creating a DeviceAuth.
type AuthOpts struct {
	ClientID string
	Tenant   string // defaults to "consumers"
	// DeviceAuthURL and TokenURL override the Microsoft endpoints.
	DeviceAuthURL string
	TokenURL      string
	Scopes        []string
	HTTPClient    *http.Client // optional
}

// NewDeviceAuth creates a DeviceAuth.
func NewDeviceAuth(opts AuthOpts) (*DeviceAuth, error) {
	if opts.ClientID == "" {
		return nil, fmt.Errorf("gameclient: auth: client id is required")
	}
	tenant := opts.Tenant
	if tenant == "" {
		tenant = "consumers"
	}
	ep := microsoft.AzureADEndpoint(tenant)
	if opts.DeviceAuthURL != "" {
		ep.DeviceAuthURL = opts.DeviceAuthURL
	}
	if opts.TokenURL != "" {
		ep.TokenURL = opts.TokenURL
	}
	return &DeviceAuth{
		cfg: &oauth2.Config{
			ClientID: opts.ClientID,
			Endpoint: ep,
			Scopes:   opts.Scopes,
		},
		client: opts.HTTPClient,
		tokens: make(map[string]*oauth2.Token),
	}, nil
}

// Token returns a valid access token for account. A cached token is reused or
// refreshed; otherwise a device code is requested, reported through prompt,
// and polled until the user completes sign-in or ctx ends.
func (a *DeviceAuth) Token(ctx context.Context, account string, prompt func(session.AuthChallenge)) (string, error) {
	if a.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	}

	a.mu.Lock()
	cached := a.tokens[account]
	a.mu.Unlock()

	if cached != nil {
		if cached.Valid() {
			return cached.AccessToken, nil
		}
		if cached.RefreshToken != "" {
			tok, err := a.cfg.TokenSource(ctx, cached).Token()
			if err == nil {
				a.store(account, tok)
				return tok.AccessToken, nil
			}
			// Fall through to a fresh device login.
		}
	}

	resp, err := a.cfg.DeviceAuth(ctx)
	if err != nil {
		return "", fmt.Errorf("gameclient: device auth for %s: %w", account, err)
	}
	ch := session.AuthChallenge{
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
	}
	if !resp.Expiry.IsZero() {
		ch.ExpiresIn = int(time.Until(resp.Expiry).Round(time.Second).Seconds())
	}
	if prompt != nil {
		prompt(ch)
	}

	tok, err := a.cfg.DeviceAccessToken(ctx, resp)
	if err != nil {
		return "", fmt.Errorf("gameclient: device token for %s: %w", account, err)
	}
	a.store(account, tok)
	return tok.AccessToken, nil
}

var _ tokenForgetter = (*DeviceAuth)(nil)

// Forget drops the cached token for account.
func (a *DeviceAuth) Forget(account string) {
	a.mu.Lock()
	delete(a.tokens, account)
	a.mu.Unlock()
}

func (a *DeviceAuth) store(account string, tok *oauth2.Token) {
	a.mu.Lock()
	a.tokens[account] = tok
	a.mu.Unlock()
}
