// Package jenkins triggers parameterized builds on a Jenkins server.
package jenkins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bndr/gojenkins"
	"golang.org/x/time/rate"

	"cibot.dev/cibot/internal/engine"
	cierrors "cibot.dev/cibot/internal/errors"
	"cibot.dev/cibot/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	// maxErrorBody caps how much of a failed response is kept in the error
	maxErrorBody = 512
)

// Config describes one Jenkins server
type Config struct {
	Name     string
	URL      string
	Username string
	Token    string
	// RequestsPerSecond limits trigger requests, 0 meaning unlimited
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client implements engine.Dispatcher against the Jenkins remote API
type Client struct {
	name    string
	jenkins *gojenkins.Jenkins
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a client for the server described by cfg
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid jenkins url %q: %w", cfg.URL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid jenkins url %q: missing scheme or host", cfg.URL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	// Jenkins redirects when the build is already queued; never follow it.
	noRedirect := *httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	var auth []interface{}
	if cfg.Username != "" || cfg.Token != "" {
		auth = []interface{}{cfg.Username, cfg.Token}
	}

	return &Client{
		name:    cfg.Name,
		jenkins: gojenkins.CreateJenkins(&noRedirect, base.String(), auth...),
		limiter: limiter,
		logger:  logger.With("ci_server", cfg.Name),
	}, nil
}

// JobName returns the Jenkins job that runs kind for a repository
func JobName(repoID string, kind engine.JobKind) string {
	return strings.ToLower(repoID + "_" + kind.String())
}

// BuildParameters returns the job parameters for a build request
func BuildParameters(req engine.BuildRequest) url.Values {
	params := url.Values{}
	params.Set("buildHead", string(req.Commit))
	params.Set("repoId", req.RepoID)
	if req.Merge != nil {
		params.Set("pullRequestId", strconv.FormatInt(req.Merge.PullRequestID, 10))
		params.Set("mergeHead", string(req.Merge.MergeHead))
		if req.Merge.MergeRef != "" {
			params.Set("mergeRef", req.Merge.MergeRef)
		}
	}
	return params
}

// DispatchBuild implements engine.Dispatcher. A redirect response means the
// build is already queued and counts as success.
func (c *Client) DispatchBuild(ctx context.Context, build engine.BuildRequest) error {
	job := JobName(build.RepoID, build.Kind)
	if err := c.limiter.Wait(ctx); err != nil {
		return cierrors.NewDispatchError(job, 0, "", err)
	}

	// API tokens are exempt from CSRF crumbs, so the request skips the
	// crumb lookup gojenkins does before a plain Post.
	req := gojenkins.NewAPIRequest(http.MethodPost, "/job/"+url.PathEscape(job)+"/buildWithParameters",
		strings.NewReader(BuildParameters(build).Encode()))
	req.SetHeader("Content-Type", "application/x-www-form-urlencoded")
	req.Suffix = ""

	var body string
	start := time.Now()
	resp, err := c.jenkins.Requester.Do(ctx, req, &body)
	metrics.DispatchDuration.WithLabelValues("jenkins").Observe(time.Since(start).Seconds())
	if err != nil {
		return cierrors.NewDispatchError(job, 0, "", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logger.Debug("jenkins build queued", "job", job, "commit", build.Commit, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther:
		c.logger.Debug("jenkins build already queued", "job", job, "commit", build.Commit, "location", resp.Header.Get("Location"))
		return nil
	}

	body = strings.TrimSpace(body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return cierrors.NewDispatchError(job, resp.StatusCode, body, errors.New(resp.Status))
}
