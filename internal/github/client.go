// Package github connects cibot to the GitHub API: commit statuses, pull
// request comments and commits, and Actions workflow dispatch.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
)

// EnvToken is the environment variable holding the API token
const EnvToken = "GITHUB_TOKEN"

// Repository names a repository on GitHub
type Repository struct {
	Owner string
	Name  string
}

// RepositoryResolver maps a cibot repository id to its GitHub repository
type RepositoryResolver func(repoID string) (Repository, error)

// Client wraps the GitHub API for one cibot installation
type Client struct {
	gh      *github.Client
	resolve RepositoryResolver
	logger  *slog.Logger

	publicURL string
}

// Option configures a Client
type Option func(*Client)

// WithPublicURL sets the cibot URL used for retrigger links in comments
func WithPublicURL(u string) Option {
	return func(c *Client) { c.publicURL = strings.TrimRight(u, "/") }
}

// NewClient creates a client authenticated with token. An empty baseURL
// targets github.com; anything else is treated as a GitHub Enterprise host.
func NewClient(ctx context.Context, baseURL, token string, resolve RepositoryResolver, logger *slog.Logger, opts ...Option) (*Client, error) {
	gh, err := createGitHubClient(ctx, baseURL, token)
	if err != nil {
		return nil, err
	}
	return NewFromGitHub(gh, resolve, logger, opts...), nil
}

// NewFromGitHub wraps an existing go-github client
func NewFromGitHub(gh *github.Client, resolve RepositoryResolver, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{gh: gh, resolve: resolve, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TokenFromEnv reads the API token from GITHUB_TOKEN
func TokenFromEnv() (string, error) {
	token := strings.TrimSpace(os.Getenv(EnvToken))
	if token == "" {
		return "", fmt.Errorf("%s is not set", EnvToken)
	}
	return token, nil
}

func createGitHubClient(ctx context.Context, baseURL, token string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)

	if baseURL == "" || strings.Contains(baseURL, "://github.com") || strings.Contains(baseURL, "://api.github.com") {
		return client, nil
	}
	enterprise, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure GitHub Enterprise url %s: %w", baseURL, err)
	}
	return enterprise, nil
}

func (c *Client) repository(repoID string) (Repository, error) {
	if c.resolve == nil {
		return Repository{}, fmt.Errorf("no GitHub repository mapping for %s", repoID)
	}
	repo, err := c.resolve(repoID)
	if err != nil {
		return Repository{}, err
	}
	if repo.Owner == "" || repo.Name == "" {
		return Repository{}, fmt.Errorf("repository %s has no GitHub owner/repo configured", repoID)
	}
	return repo, nil
}

// statusCode extracts the HTTP status from a go-github error, 0 when there is none
func statusCode(err error) int {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a GitHub 404
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}
