// Package identity obtains and caches the OAuth bearer token presented to the
// Azure AI Agents service. The process holds a single cached token; refreshes
// happen slightly before the advertised expiry so in-flight requests never
// carry a token that expires mid-call.
package identity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// Scope is the OAuth scope for the Azure AI Agents service.
const Scope = "https://ai.azure.com/.default"

// tokenSafetyMargin renews the token before the advertised expiry to absorb
// clock skew and in-flight request latency.
const tokenSafetyMargin = 5 * time.Minute

// AccessToken is one minted bearer with its absolute expiry.
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// Credential mints bearer tokens for a scope set.
type Credential interface {
	GetToken(ctx context.Context, scopes []string) (AccessToken, error)
}

// AuthError means the identity provider refused to mint a token.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "Falha ao autenticar com Azure. Verifique suas credenciais."
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Cache holds the process-wide token record and refreshes it on demand.
// The mutex is held across the provider call so concurrent misses collapse
// into one refresh; waiters observe the fresh record when the lock is released.
type Cache struct {
	cred   Credential
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current AccessToken
}

// NewCache builds a token cache over the given credential.
func NewCache(cred Credential, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Cache{
		cred:   cred,
		logger: logger,
		now:    time.Now,
	}
}

// Token returns a usable bearer, refreshing the cached record when it is
// absent or inside the safety margin. On refresh failure the cached record is
// left unchanged and an *AuthError is returned.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.usableLocked() {
		c.logger.Debug("token.cache_hit", "expiresOn", c.current.ExpiresOn.UTC().Format(time.RFC3339))
		return c.current.Token, nil
	}

	c.logger.Info("token.refresh")
	minted, err := c.cred.GetToken(ctx, []string{Scope})
	if err != nil {
		c.logger.Error("token.refresh_failed", "error", err.Error())
		return "", &AuthError{Err: err}
	}

	c.current = minted
	c.logger.Info("token.refreshed", "expiresOn", minted.ExpiresOn.UTC().Format(time.RFC3339))
	return minted.Token, nil
}

func (c *Cache) usableLocked() bool {
	if c.current.Token == "" {
		return false
	}
	return c.now().Add(tokenSafetyMargin).Before(c.current.ExpiresOn)
}

// AzureCredential adapts an azcore.TokenCredential to Credential.
type AzureCredential struct {
	inner azcore.TokenCredential
}

// NewAzureCLICredential wraps the ambient Azure CLI login.
func NewAzureCLICredential() (*AzureCredential, error) {
	cred, err := azidentity.NewAzureCLICredential(nil)
	if err != nil {
		return nil, err
	}
	return &AzureCredential{inner: cred}, nil
}

// GetToken mints one token through the underlying Azure credential.
func (c *AzureCredential) GetToken(ctx context.Context, scopes []string) (AccessToken, error) {
	minted, err := c.inner.GetToken(ctx, policy.TokenRequestOptions{Scopes: scopes})
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: minted.Token, ExpiresOn: minted.ExpiresOn}, nil
}
