package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cibot.dev/cibot/internal/config"
	"cibot.dev/cibot/internal/engine"
	"cibot.dev/cibot/internal/git"
	"cibot.dev/cibot/internal/github"
	"cibot.dev/cibot/internal/logging"
	"cibot.dev/cibot/internal/store"
)

// Options configures NewContext
type Options struct {
	// ConfigPath overrides CIBOT_CONFIG and the default cibot.yaml
	ConfigPath string
	Debug      bool
	// Console receives log output, os.Stderr when nil
	Console io.Writer
	// InMemoryStore opens an in-memory database instead of store.path
	InMemoryStore bool
}

// Context provides access to the engine and its collaborators for commands
type Context struct {
	Config     *config.Provider
	Logger     *logging.Logger
	DB         *store.DB
	Graph      *git.Graph
	Metadata   engine.MetadataStore
	Ledger     *store.BuildLedger
	GitHub     *github.Client
	Dispatcher *Dispatcher
	Router     *engine.Router
	Gate       *engine.MergeGate
}

// NewContext loads the configuration and builds every component from it.
// The GitHub client is created only when github.enabled is set, and then
// GITHUB_TOKEN must be present.
func NewContext(ctx context.Context, opts Options) (*Context, error) {
	path := config.ResolvePath(opts.ConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		File:    cfg.GetLogFile(),
		Level:   cfg.Log.Level,
		Debug:   opts.Debug,
		Console: opts.Console,
	})
	if err != nil {
		return nil, err
	}

	provider, err := config.NewProvider(path, logger.Logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	c, err := build(ctx, provider, logger, opts)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return c, nil
}

func build(ctx context.Context, provider *config.Provider, logger *logging.Logger, opts Options) (*Context, error) {
	cfg := provider.Config()
	c := &Context{Config: provider, Logger: logger}

	storeCfg := store.DefaultConfig(cfg.GetStorePath())
	if opts.InMemoryStore {
		storeCfg = store.InMemoryConfig()
	}
	storeCfg.Logger = logger.Logger
	db, err := store.Open(storeCfg)
	if err != nil {
		return nil, err
	}
	c.DB = db
	c.Ledger = store.NewBuildLedger(db)
	c.Graph = git.NewGraph(provider, logger.With("component", "git"))

	switch cfg.GetMetadataBackend() {
	case config.MetadataGit:
		c.Metadata = git.NewRefMetadataStore(c.Graph)
	default:
		c.Metadata = store.NewMetadataStore(db)
	}

	if cfg.GetGitHubEnabled() {
		token, err := github.TokenFromEnv()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("github integration is enabled: %w", err)
		}
		c.GitHub, err = github.NewClient(ctx, cfg.GitHub.BaseURL, token, githubRepository(provider),
			logger.With("component", "github"), github.WithPublicURL(cfg.Server.PublicURL))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	c.Dispatcher = NewDispatcher(provider, c.GitHub, logger.With("component", "dispatch"))
	provider.OnReload(func(*config.Config) { c.Dispatcher.Reset() })

	routerOpts := []engine.RouterOption{engine.WithBuildLedger(c.Ledger)}
	if c.GitHub != nil && cfg.GetGitHubNotify() {
		routerOpts = append(routerOpts, engine.WithNotifier(c.GitHub))
	}
	c.Router = engine.NewRouter(provider, c.Graph, c.Metadata, c.Dispatcher, logger.Logger, routerOpts...)

	// strict mode reads commits and statuses from GitHub when it is available,
	// otherwise from the local clone and the ledger
	var commits engine.PullRequestCommits = c.Graph
	var summaries engine.BuildSummaries = c.Ledger
	if c.GitHub != nil {
		commits, summaries = c.GitHub, c.GitHub
	}
	c.Gate = engine.NewMergeGate(provider, c.Metadata, logger.Logger, engine.WithStrictMode(commits, summaries))
	return c, nil
}

// githubRepository maps a repository id to the owner/repo in its configuration
func githubRepository(provider *config.Provider) github.RepositoryResolver {
	return func(repoID string) (github.Repository, error) {
		repo, err := provider.Repository(repoID)
		if err != nil {
			return github.Repository{}, err
		}
		return github.Repository{Owner: repo.GitHub.Owner, Name: repo.GitHub.Repo}, nil
	}
}

// Close releases the database and the log file
func (c *Context) Close() error {
	var errs []error
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	if c.Logger != nil {
		errs = append(errs, c.Logger.Close())
	}
	return errors.Join(errs...)
}
