// Package credentials authorizes outbound requests to Azure AI services with
// either a static key or an Entra ID bearer token.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	CognitiveServicesScope = "https://cognitiveservices.azure.com/.default"
	SearchScope            = "https://search.azure.com/.default"

	// tokenRefreshBuffer is the time before token expiration to trigger a refresh.
	tokenRefreshBuffer = 5 * time.Minute
)

// Credential adds authentication headers to an outbound request.
type Credential interface {
	Apply(ctx context.Context, header http.Header) error
}

// APIKey sends a static key in the api-key header.
type APIKey string

func (k APIKey) Apply(_ context.Context, header http.Header) error {
	if k == "" {
		return fmt.Errorf("api key is empty")
	}
	header.Set("api-key", string(k))
	return nil
}

// AzureCredential caches bearer tokens for one scope.
type AzureCredential struct {
	cred        azcore.TokenCredential
	scope       string
	mu          sync.RWMutex
	cachedToken *azcore.AccessToken
}

func NewAzureCredential(cred azcore.TokenCredential, scope string) *AzureCredential {
	return &AzureCredential{cred: cred, scope: scope}
}

// NewDefaultAzureCredential uses the Azure Developer CLI login when tenantID
// is set and the default credential chain otherwise.
func NewDefaultAzureCredential(tenantID string) (azcore.TokenCredential, error) {
	if tenantID != "" {
		cred, err := azidentity.NewAzureDeveloperCLICredential(&azidentity.AzureDeveloperCLICredentialOptions{
			TenantID: tenantID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Developer CLI credential: %w", err)
		}
		return cred, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	return cred, nil
}

// Apply adds the Azure AD token to the request.
func (c *AzureCredential) Apply(ctx context.Context, header http.Header) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get Azure token: %w", err)
	}

	header.Set("Authorization", "Bearer "+token.Token)
	return nil
}

// Warm fetches a token ahead of the first request.
func (c *AzureCredential) Warm(ctx context.Context) error {
	_, err := c.getToken(ctx)
	return err
}

// getToken retrieves the current Azure AD token, refreshing if necessary.
func (c *AzureCredential) getToken(ctx context.Context) (*azcore.AccessToken, error) {
	c.mu.RLock()
	if c.cachedToken != nil && c.cachedToken.ExpiresOn.After(time.Now().Add(tokenRefreshBuffer)) {
		token := c.cachedToken
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if c.cachedToken != nil && c.cachedToken.ExpiresOn.After(time.Now().Add(tokenRefreshBuffer)) {
		return c.cachedToken, nil
	}

	token, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{c.scope}})
	if err != nil {
		return nil, err
	}

	c.cachedToken = &token
	return &token, nil
}
