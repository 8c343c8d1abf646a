// Package relay holds the transport plumbing shared by the broker and the
// peer: broker URL parsing, WebSocket dialing with backoff, ingress
// tokens, keepalive pings, a session limiter, a two-half session runner
// and a reconnect supervisor.
package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// TokenProvider supplies the bearer token a peer presents to the ingress
// in front of the broker.
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token.
type StaticTokenProvider struct {
	Token string
}

// GetToken returns the configured token.
func (p *StaticTokenProvider) GetToken(context.Context) (string, error) {
	return p.Token, nil
}

// EntraTokenProvider obtains OAuth2 tokens via Azure Identity (DefaultAzureCredential).
type EntraTokenProvider struct {
	cred  azcore.TokenCredential
	scope string
}

// NewEntraTokenProvider creates a token provider for scope using
// DefaultAzureCredential.
func NewEntraTokenProvider(scope string) (*EntraTokenProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return NewEntraTokenProviderWithCredential(cred, scope), nil
}

// NewEntraTokenProviderWithCredential creates a token provider with a specific
// TokenCredential. This is primarily useful for testing.
func NewEntraTokenProviderWithCredential(cred azcore.TokenCredential, scope string) *EntraTokenProvider {
	return &EntraTokenProvider{cred: cred, scope: scope}
}

// GetToken obtains an OAuth2 token for the configured scope.
func (p *EntraTokenProvider) GetToken(ctx context.Context) (string, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{p.scope},
	})
	if err != nil {
		return "", fmt.Errorf("acquire Entra token: %w", err)
	}
	return tk.Token, nil
}

// sanitizeErr strips credentials from WebSocket dial errors to avoid
// leaking them in log output: token query parameters and URL passwords.
func sanitizeErr(err error) error {
	s := err.Error()
	for _, key := range []string{"token=", "access_token="} {
		from := 0
		for {
			i := strings.Index(s[from:], key)
			if i == -1 {
				break
			}
			i += from + len(key)
			end := strings.IndexAny(s[i:], "\" &")
			if end == -1 {
				s = s[:i] + "REDACTED"
			} else {
				s = s[:i] + "REDACTED" + s[i+end:]
			}
			from = i + len("REDACTED")
		}
	}
	return fmt.Errorf("%s", s)
}

// redactURL hides the password of a URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
