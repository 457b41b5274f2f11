package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"cibot.dev/cibot/internal/engine"
	cierrors "cibot.dev/cibot/internal/errors"
)

// Provider serves policies from a configuration file and reloads it when
// the file changes. Readers always see a complete, validated configuration.
type Provider struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewProvider loads the configuration at path
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, logger: logger}
	p.current.Store(cfg)
	return p, nil
}

// NewStaticProvider serves a fixed configuration that is never reloaded
func NewStaticProvider(cfg *Config) *Provider {
	p := &Provider{logger: slog.Default()}
	p.current.Store(cfg)
	return p
}

// Config returns the current configuration
func (p *Provider) Config() *Config {
	return p.current.Load()
}

// Path returns the configuration file path
func (p *Provider) Path() string {
	return p.path
}

// OnReload registers fn to run after every successful reload
func (p *Provider) OnReload(fn func(*Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Reload re-reads the configuration file. An invalid file leaves the
// previous configuration in place.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}
	p.current.Store(cfg)

	p.mu.Lock()
	listeners := append([]func(*Config){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	p.logger.Info("configuration reloaded", "path", p.path, "repositories", len(cfg.Repositories))
	return nil
}

// Watch reloads the configuration whenever its file is written, until ctx
// is done. The directory is watched so editors that replace the file by
// rename are picked up.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(p.path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	p.logger.Debug("watching configuration", "path", target)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Error("configuration reload failed, keeping previous configuration",
					"path", p.path, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("configuration watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

// Repository returns the configuration record of a repository
func (p *Provider) Repository(repoID string) (RepositoryConfig, error) {
	repo, ok := p.Config().FindRepository(repoID)
	if !ok {
		return RepositoryConfig{}, fmt.Errorf("%w: %s", cierrors.ErrRepositoryNotConfigured, repoID)
	}
	return repo, nil
}

// Server returns the CI server configuration a repository builds on
func (p *Provider) Server(repoID string) (CIServerConfig, error) {
	repo, err := p.Repository(repoID)
	if err != nil {
		return CIServerConfig{}, err
	}
	server, ok := p.Config().FindServer(repo.GetCIServer())
	if !ok {
		return CIServerConfig{}, fmt.Errorf("%w: %s", cierrors.ErrServerNotConfigured, repo.GetCIServer())
	}
	return server, nil
}

// RepositoryPolicy implements engine.PolicyProvider
func (p *Provider) RepositoryPolicy(_ context.Context, repoID string) (engine.RepositoryPolicy, error) {
	repo, err := p.Repository(repoID)
	if err != nil {
		return engine.RepositoryPolicy{}, err
	}
	return repo.Policy()
}

// ServerPolicy implements engine.PolicyProvider
func (p *Provider) ServerPolicy(_ context.Context, repoID string) (engine.ServerPolicy, error) {
	server, err := p.Server(repoID)
	if err != nil {
		return engine.ServerPolicy{}, err
	}
	return engine.ServerPolicy{Name: server.Name, MaxVerifyChain: server.MaxVerifyChain}, nil
}

// RepositoryPath implements git.PathResolver
func (p *Provider) RepositoryPath(repoID string) (string, error) {
	repo, err := p.Repository(repoID)
	if err != nil {
		return "", err
	}
	return p.Config().RepositoryPath(repo), nil
}
