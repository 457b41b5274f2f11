package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cibot.dev/cibot/internal/config"
	"cibot.dev/cibot/internal/engine"
	"cibot.dev/cibot/internal/github"
	"cibot.dev/cibot/internal/jenkins"
)

// Dispatcher sends each build to the CI server its repository is configured
// with. Server clients are created on first use and cached by server name
// until Reset.
type Dispatcher struct {
	servers *config.Provider
	github  *github.Client
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]engine.Dispatcher
}

// NewDispatcher creates a Dispatcher. gh may be nil, in which case
// github-actions servers cannot be used.
func NewDispatcher(servers *config.Provider, gh *github.Client, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		servers: servers,
		github:  gh,
		logger:  logger,
		clients: make(map[string]engine.Dispatcher),
	}
}

// DispatchBuild implements engine.Dispatcher
func (d *Dispatcher) DispatchBuild(ctx context.Context, req engine.BuildRequest) error {
	client, err := d.client(req.RepoID)
	if err != nil {
		return err
	}
	return client.DispatchBuild(ctx, req)
}

// Reset drops cached clients so the next dispatch sees the current configuration
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.clients)
}

func (d *Dispatcher) client(repoID string) (engine.Dispatcher, error) {
	server, err := d.servers.Server(repoID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if client, ok := d.clients[server.Name]; ok {
		return client, nil
	}

	var client engine.Dispatcher
	switch server.GetType() {
	case config.ServerTypeGitHubActions:
		if d.github == nil {
			return nil, fmt.Errorf("ci server %s uses github actions but the github integration is disabled", server.Name)
		}
		client = github.NewWorkflowDispatcher(d.github, server.Workflow, server.Ref)
	default:
		client, err = jenkins.NewClient(jenkins.Config{
			Name:              server.Name,
			URL:               server.URL,
			Username:          server.Username,
			Token:             server.Token(),
			RequestsPerSecond: server.RequestsPerSecond,
		}, d.logger)
		if err != nil {
			return nil, err
		}
	}
	d.logger.Debug("created ci server client", "server", server.Name, "type", server.GetType())
	d.clients[server.Name] = client
	return client, nil
}
