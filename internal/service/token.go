package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ckave-quartzip/AzureMonitor-sub001/internal/model"
)

// SecretSource is the credential store read path the broker depends on.
type SecretSource interface {
	GetTenantSecret(ctx context.Context, tenantID string) (string, error)
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// TokenBroker exchanges tenant credentials for bearer tokens and caches them
// per tenant until within the expiry margin. Concurrent refreshes for the
// same tenant collapse into one request via singleflight.
type TokenBroker struct {
	loginURL string
	margin   time.Duration
	scope    string
	secrets  SecretSource
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedToken
	group singleflight.Group
}

func NewTokenBroker(loginURL string, margin time.Duration, scope string, secrets SecretSource, logger *slog.Logger) *TokenBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenBroker{
		loginURL: strings.TrimRight(loginURL, "/"),
		margin:   margin,
		scope:    scope,
		secrets:  secrets,
		client:   &http.Client{Timeout: 20 * time.Second},
		logger:   logger,
	}
}

// Token returns a valid bearer token for the tenant, refreshing if the cached
// one is inside the expiry margin.
func (b *TokenBroker) Token(ctx context.Context, tenant *model.Tenant) (string, error) {
	b.mu.Lock()
	if ct, ok := b.cache[tenant.ID]; ok && time.Until(ct.expiry) > b.margin {
		b.mu.Unlock()
		return ct.token, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do(tenant.ID, func() (interface{}, error) {
		// Re-check under the group: a concurrent caller may have refreshed
		// while this one waited.
		b.mu.Lock()
		if ct, ok := b.cache[tenant.ID]; ok && time.Until(ct.expiry) > b.margin {
			b.mu.Unlock()
			return ct.token, nil
		}
		b.mu.Unlock()

		secret, err := b.secrets.GetTenantSecret(ctx, tenant.ID)
		if err != nil {
			return "", fmt.Errorf("load secret for tenant %s: %w", tenant.ID, err)
		}
		ct, err := b.fetchToken(ctx, tenant, secret)
		if err != nil {
			return "", err
		}
		b.mu.Lock()
		if b.cache == nil {
			b.cache = map[string]cachedToken{}
		}
		b.cache[tenant.ID] = ct
		b.mu.Unlock()
		return ct.token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// TokenForCredentials performs one uncached exchange. Used by the connection
// test path before a tenant is persisted.
func (b *TokenBroker) TokenForCredentials(ctx context.Context, creds model.Credentials) (string, error) {
	tenant := &model.Tenant{ID: creds.ClientID, DirectoryID: creds.DirectoryID, ClientID: creds.ClientID}
	ct, err := b.fetchToken(ctx, tenant, creds.ClientSecret)
	if err != nil {
		return "", err
	}
	return ct.token, nil
}

// Invalidate drops the cached token, forcing a fresh exchange on next use.
func (b *TokenBroker) Invalidate(tenantID string) {
	b.mu.Lock()
	delete(b.cache, tenantID)
	b.mu.Unlock()
}

func (b *TokenBroker) fetchToken(ctx context.Context, tenant *model.Tenant, secret string) (cachedToken, error) {
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", b.loginURL, tenant.DirectoryID)
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tenant.ClientID},
		"client_secret": {secret},
		"scope":         {b.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := b.client.Do(req)
	if err != nil {
		return cachedToken{}, &RemoteError{Op: "token", Transient: true, Message: err.Error()}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		// fall through to parse
	case res.StatusCode == 400 || res.StatusCode == 401 || res.StatusCode == 403:
		b.logger.Warn("token exchange rejected",
			slog.String("tenant_id", tenant.ID),
			slog.Int("status", res.StatusCode))
		return cachedToken{}, &AuthError{TenantID: tenant.ID, Reason: truncate(string(body), 300)}
	case transientStatus(res.StatusCode):
		return cachedToken{}, &RemoteError{Op: "token", StatusCode: res.StatusCode, Transient: true, Message: truncate(string(body), 300)}
	default:
		return cachedToken{}, &RemoteError{Op: "token", StatusCode: res.StatusCode, Message: truncate(string(body), 300)}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return cachedToken{}, &RemoteError{Op: "token", StatusCode: res.StatusCode, Message: "malformed token response"}
	}
	if out.AccessToken == "" {
		return cachedToken{}, &AuthError{TenantID: tenant.ID, Reason: "empty access token"}
	}
	return cachedToken{
		token:  out.AccessToken,
		expiry: time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
