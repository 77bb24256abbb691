// internal/github/factory.go
package github

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"golang.org/x/oauth2"

	apperrors "gitpulse/internal/errors"
	"gitpulse/internal/model"
)

// FactoryConfig holds the credentials a ClientFactory can hand out.
// An organization with an installation id gets an app-installation client;
// otherwise the static fallback token is used when present.
type FactoryConfig struct {
	AppID          int64
	PrivateKeyPath string
	FallbackToken  string
	BaseURL        string
	CallTimeout    time.Duration
}

// ClientFactory builds per-organization clients. It is constructed once at
// process start and injected wherever a source client is needed.
type ClientFactory struct {
	cfg    FactoryConfig
	logger *slog.Logger
}

func NewClientFactory(cfg FactoryConfig, logger *slog.Logger) *ClientFactory {
	return &ClientFactory{cfg: cfg, logger: logger}
}

// ForOrganization resolves the organization's credential and returns an
// authenticated client. A MissingAuthorizationError is fatal for the whole
// sync run, not per-repository.
func (f *ClientFactory) ForOrganization(org *model.Organization) (*Client, error) {
	waiter, err := github_ratelimit.NewRateLimitWaiter(nil, github_ratelimit.WithSingleSleepLimit(time.Hour, nil))
	if err != nil {
		return nil, err
	}

	var httpClient *http.Client
	switch {
	case org.InstallationID != nil && f.cfg.AppID > 0 && f.cfg.PrivateKeyPath != "":
		transport, err := ghinstallation.NewKeyFromFile(waiter, f.cfg.AppID, *org.InstallationID, f.cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: transport}

	case f.cfg.FallbackToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: f.cfg.FallbackToken})
		httpClient = &http.Client{Transport: &oauth2.Transport{Base: waiter, Source: ts}}

	default:
		return nil, &apperrors.MissingAuthorizationError{Organization: org.Name}
	}

	client := NewClient(httpClient, f.logger.With("org", org.Name))
	if f.cfg.CallTimeout > 0 {
		client.callTimeout = f.cfg.CallTimeout
	}
	if f.cfg.BaseURL != "" {
		if err := client.OverrideBaseURL(f.cfg.BaseURL); err != nil {
			return nil, err
		}
	}
	return client, nil
}
