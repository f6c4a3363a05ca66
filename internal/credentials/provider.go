// Package credentials supplies bearer-token headers for Google Cloud calls.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// HeaderSource returns the headers that authenticate one outbound request.
type HeaderSource interface {
	Headers(ctx context.Context) (http.Header, error)
}

// Provider caches an OAuth2 token and refreshes it lazily. Concurrent callers
// that find the cached token invalid share a single refresh.
type Provider struct {
	source oauth2.TokenSource
	logger *slog.Logger

	mu    sync.RWMutex
	token *oauth2.Token
	group singleflight.Group
}

// ProviderConfig holds the token source a Provider caches.
type ProviderConfig struct {
	Source oauth2.TokenSource
	Logger *slog.Logger
}

func NewProvider(cfg ProviderConfig) *Provider {
	return &Provider{source: cfg.Source, logger: cfg.Logger}
}

// NewDefaultProvider builds a Provider from Application Default Credentials
// with the cloud-platform scope.
func NewDefaultProvider(ctx context.Context, logger *slog.Logger) (*Provider, error) {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("find default credentials: %w", err)
	}
	logger.Info("using application default credentials", "project", creds.ProjectID)
	return NewProvider(ProviderConfig{Source: creds.TokenSource, Logger: logger}), nil
}

// NewStaticProvider serves a fixed access token, for local runs with
// `gcloud auth print-access-token`.
func NewStaticProvider(accessToken string, logger *slog.Logger) *Provider {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	return NewProvider(ProviderConfig{Source: src, Logger: logger})
}

// Token returns a valid token, refreshing it when the cached one is missing or
// expired.
func (p *Provider) Token(ctx context.Context) (*oauth2.Token, error) {
	p.mu.RLock()
	tok := p.token
	p.mu.RUnlock()
	if tok.Valid() {
		return tok, nil
	}

	v, err, _ := p.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited for the group.
		p.mu.RLock()
		cur := p.token
		p.mu.RUnlock()
		if cur.Valid() {
			return cur, nil
		}

		fresh, err := p.source.Token()
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.token = fresh
		p.mu.Unlock()
		p.logger.Debug("access token refreshed", "expiry", fresh.Expiry)
		return fresh, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refresh access token: %w", err)
	}
	return v.(*oauth2.Token), nil
}

// Headers implements HeaderSource.
func (p *Provider) Headers(ctx context.Context) (http.Header, error) {
	tok, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return h, nil
}
