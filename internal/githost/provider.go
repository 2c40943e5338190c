package githost

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/OneBeatTrue/code-agent/internal/config"
	"github.com/OneBeatTrue/code-agent/internal/logging"
)

// Credentials supplies a token source for an installation. Minting
// installation tokens is outside this package; StaticTokens serves a
// personal access token for every installation.
type Credentials interface {
	TokenSource(ctx context.Context, installationID int64) (oauth2.TokenSource, error)
}

// StaticTokens returns the same token for every installation.
type StaticTokens struct {
	Token config.Secret
}

func (s StaticTokens) TokenSource(_ context.Context, _ int64) (oauth2.TokenSource, error) {
	if !s.Token.IsSet() {
		return nil, errors.New("github token not set")
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.Token.Value()}), nil
}

// ClientProvider opens go-github backed sessions.
type ClientProvider struct {
	creds  Credentials
	apiURL string
	retry  RetryConfig
	logger *logging.Logger
}

// ProviderOption configures a ClientProvider.
type ProviderOption func(*ClientProvider)

// WithAPIURL points sessions at a GitHub Enterprise API base URL.
func WithAPIURL(url string) ProviderOption {
	return func(p *ClientProvider) { p.apiURL = url }
}

// WithRetry overrides the read retry policy.
func WithRetry(cfg RetryConfig) ProviderOption {
	return func(p *ClientProvider) { p.retry = cfg }
}

// NewClientProvider returns a Provider using creds for authentication.
func NewClientProvider(creds Credentials, logger *logging.Logger, opts ...ProviderOption) *ClientProvider {
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &ClientProvider{
		creds:  creds,
		retry:  *DefaultRetryConfig(),
		logger: logger.Named("githost"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open returns a session authenticated for installationID.
func (p *ClientProvider) Open(ctx context.Context, installationID int64) (Gateway, error) {
	ts, err := p.creds.TokenSource(ctx, installationID)
	if err != nil {
		return nil, fmt.Errorf("credentials for installation %d: %w", installationID, err)
	}

	// The session outlives ctx, so the transport must not be bound to it.
	httpClient := oauth2.NewClient(context.Background(), ts)
	gh := github.NewClient(httpClient)
	if p.apiURL != "" {
		gh, err = gh.WithEnterpriseURLs(p.apiURL, p.apiURL)
		if err != nil {
			return nil, fmt.Errorf("github api url %q: %w", p.apiURL, err)
		}
	}
	return NewClient(gh, httpClient, p.retry, p.logger), nil
}

// NewClient wraps an existing go-github client. httpClient, when set, has its
// idle connections closed on Close.
func NewClient(gh *github.Client, httpClient *http.Client, retry RetryConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{gh: gh, http: httpClient, retry: retry, logger: logger}
}
