package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"cibot.dev/cibot/internal/engine"
	cierrors "cibot.dev/cibot/internal/errors"
)

const (
	// EnvConfigPath overrides the default configuration file location
	EnvConfigPath = "CIBOT_CONFIG"
	// DefaultConfigFile is used when neither --config nor CIBOT_CONFIG is set
	DefaultConfigFile = "cibot.yaml"
	// DefaultServerName is the CI server a repository builds on unless it names one
	DefaultServerName = "default"
	// DefaultListen is the HTTP listen address of cibot serve
	DefaultListen = ":8080"
	// DefaultStorePath is the badger directory, relative to the configuration file
	DefaultStorePath = "cibot.db"
)

// CI server types
const (
	ServerTypeJenkins       = "jenkins"
	ServerTypeGitHubActions = "github-actions"
)

// Metadata store backends
const (
	MetadataBadger = "badger"
	MetadataGit    = "git"
)

// Config is the cibot configuration file
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	GitHub       GitHubConfig       `yaml:"github"`
	CIServers    []CIServerConfig   `yaml:"ciServers" validate:"unique=Name,dive"`
	Repositories []RepositoryConfig `yaml:"repositories" validate:"unique=ID,dive"`

	// dir is the directory of the file the configuration was read from
	dir string
}

// LogConfig configures logging
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// PublicURL is where CI servers and users reach cibot, used for retrigger links
	PublicURL string `yaml:"publicUrl" validate:"omitempty,url"`
}

// StoreConfig configures persistence
type StoreConfig struct {
	Path     string `yaml:"path"`
	Metadata string `yaml:"metadata" validate:"omitempty,oneof=badger git"`
}

// GitHubConfig configures the GitHub integration
type GitHubConfig struct {
	Enabled *bool  `yaml:"enabled"`
	BaseURL string `yaml:"baseUrl" validate:"omitempty,url"`
	Notify  *bool  `yaml:"notify"`
}

// CIServerConfig describes a CI server builds are dispatched to
type CIServerConfig struct {
	Name           string `yaml:"name" validate:"required"`
	Type           string `yaml:"type" validate:"omitempty,oneof=jenkins github-actions"`
	URL            string `yaml:"url" validate:"omitempty,url"`
	Username       string `yaml:"username"`
	TokenEnv       string `yaml:"tokenEnv"`
	Workflow       string `yaml:"workflow"`
	Ref            string `yaml:"ref"`
	MaxVerifyChain int    `yaml:"maxVerifyChain" validate:"gte=0"`

	// RequestsPerSecond limits build triggers sent to the server, 0 for no limit
	RequestsPerSecond float64 `yaml:"requestsPerSecond" validate:"gte=0"`
}

// RepositoryConfig is the CI configuration of one repository
type RepositoryConfig struct {
	ID                    string       `yaml:"id" validate:"required"`
	Path                  string       `yaml:"path" validate:"required"`
	CIEnabled             *bool        `yaml:"ciEnabled"`
	CIServer              string       `yaml:"ciServer"`
	VerifyBranchRegex     string       `yaml:"verifyBranchRegex" validate:"omitempty,branchregex"`
	PublishBranchRegex    string       `yaml:"publishBranchRegex" validate:"omitempty,branchregex"`
	MaxVerifyChain        int          `yaml:"maxVerifyChain" validate:"gte=0"`
	RebuildOnTargetUpdate *bool        `yaml:"rebuildOnTargetUpdate"`
	StrictVerifyMode      *bool        `yaml:"strictVerifyMode"`
	Jobs                  JobsConfig   `yaml:"jobs"`
	GitHub                GitHubTarget `yaml:"github"`
}

// JobsConfig enables individual job kinds
type JobsConfig struct {
	Verification *bool `yaml:"verification"`
	VerifyPR     *bool `yaml:"verify_pr"`
	Publish      *bool `yaml:"publish"`
}

// GitHubTarget names the GitHub repository a local repository mirrors
type GitHubTarget struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("branchregex", validateBranchRegex)
	validate.RegisterStructValidation(validateCIServer, CIServerConfig{})
}

func validateBranchRegex(fl validator.FieldLevel) bool {
	_, err := engine.CompileBranchPattern(fl.Field().String())
	return err == nil
}

func validateCIServer(sl validator.StructLevel) {
	server := sl.Current().Interface().(CIServerConfig)
	switch server.GetType() {
	case ServerTypeJenkins:
		if server.URL == "" {
			sl.ReportError(server.URL, "URL", "url", "required_for_jenkins", "")
		}
	case ServerTypeGitHubActions:
		if server.Workflow == "" {
			sl.ReportError(server.Workflow, "Workflow", "workflow", "required_for_actions", "")
		}
	}
}

// ResolvePath picks the configuration file: the flag value, then
// CIBOT_CONFIG, then cibot.yaml in the working directory
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultConfigFile
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	cfg.dir = abs
	return cfg, nil
}

// Parse decodes and validates configuration YAML. Relative paths in the
// result resolve against the working directory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field rules and cross references between sections
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	for _, repo := range c.Repositories {
		if !repo.GetCIEnabled() {
			continue
		}
		if _, ok := c.FindServer(repo.GetCIServer()); !ok {
			return fmt.Errorf("repository %s: %w: %s", repo.ID, cierrors.ErrServerNotConfigured, repo.GetCIServer())
		}
	}
	return nil
}

// FindRepository returns the repository with the given id
func (c *Config) FindRepository(id string) (RepositoryConfig, bool) {
	for _, repo := range c.Repositories {
		if repo.ID == id {
			return repo, true
		}
	}
	return RepositoryConfig{}, false
}

// FindServer returns the CI server with the given name
func (c *Config) FindServer(name string) (CIServerConfig, bool) {
	for _, server := range c.CIServers {
		if server.Name == name {
			return server, true
		}
	}
	return CIServerConfig{}, false
}

// resolve makes a path relative to the configuration file absolute
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}

// RepositoryPath returns the absolute path of a repository's git directory
func (c *Config) RepositoryPath(repo RepositoryConfig) string {
	return c.resolve(repo.Path)
}

// GetListen returns the HTTP listen address, or :8080 by default
func (c *Config) GetListen() string {
	if c.Server.Listen != "" {
		return c.Server.Listen
	}
	return DefaultListen
}

// GetStorePath returns the badger directory, or cibot.db next to the config file
func (c *Config) GetStorePath() string {
	if c.Store.Path != "" {
		return c.resolve(c.Store.Path)
	}
	return c.resolve(DefaultStorePath)
}

// GetMetadataBackend returns the metadata store backend, badger by default
func (c *Config) GetMetadataBackend() string {
	if c.Store.Metadata != "" {
		return c.Store.Metadata
	}
	return MetadataBadger
}

// GetLogFile returns the log file path, empty when file logging is off
func (c *Config) GetLogFile() string {
	return c.resolve(c.Log.File)
}

// GetGitHubEnabled returns whether the GitHub integration is on, false by default
func (c *Config) GetGitHubEnabled() bool {
	return c.GitHub.Enabled != nil && *c.GitHub.Enabled
}

// GetGitHubNotify returns whether build reports are posted to GitHub.
// Defaults to true when the integration is enabled.
func (c *Config) GetGitHubNotify() bool {
	if c.GitHub.Notify != nil {
		return *c.GitHub.Notify
	}
	return c.GetGitHubEnabled()
}

// GetType returns the server type, jenkins by default
func (s CIServerConfig) GetType() string {
	if s.Type != "" {
		return s.Type
	}
	return ServerTypeJenkins
}

// Token reads the server's API token from the environment variable it names
func (s CIServerConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}

// GetCIEnabled returns whether CI is enabled, false by default
func (r RepositoryConfig) GetCIEnabled() bool {
	return r.CIEnabled != nil && *r.CIEnabled
}

// GetCIServer returns the name of the repository's CI server
func (r RepositoryConfig) GetCIServer() string {
	if r.CIServer != "" {
		return r.CIServer
	}
	return DefaultServerName
}

// GetRebuildOnTargetUpdate returns whether target moves trigger rebuilds, true by default
func (r RepositoryConfig) GetRebuildOnTargetUpdate() bool {
	return r.RebuildOnTargetUpdate == nil || *r.RebuildOnTargetUpdate
}

// GetStrictVerifyMode returns whether every pull request commit must be verified
func (r RepositoryConfig) GetStrictVerifyMode() bool {
	return r.StrictVerifyMode != nil && *r.StrictVerifyMode
}

// EnabledJobs returns the job kinds switched on for the repository
func (r RepositoryConfig) EnabledJobs() map[engine.JobKind]bool {
	enabled := func(b *bool) bool { return b != nil && *b }
	return map[engine.JobKind]bool{
		engine.JobVerifyCommit: enabled(r.Jobs.Verification),
		engine.JobVerifyPR:     enabled(r.Jobs.VerifyPR),
		engine.JobPublish:      enabled(r.Jobs.Publish),
	}
}

// Policy converts the repository configuration into the engine's policy
func (r RepositoryConfig) Policy() (engine.RepositoryPolicy, error) {
	verify, err := engine.CompileBranchPattern(r.VerifyBranchRegex)
	if err != nil {
		return engine.RepositoryPolicy{}, err
	}
	publish, err := engine.CompileBranchPattern(r.PublishBranchRegex)
	if err != nil {
		return engine.RepositoryPolicy{}, err
	}
	return engine.RepositoryPolicy{
		RepoID:                r.ID,
		CIEnabled:             r.GetCIEnabled(),
		VerifyBranchPattern:   verify,
		PublishBranchPattern:  publish,
		MaxVerifyChain:        r.MaxVerifyChain,
		RebuildOnTargetUpdate: r.GetRebuildOnTargetUpdate(),
		StrictVerifyMode:      r.GetStrictVerifyMode(),
		EnabledJobs:           r.EnabledJobs(),
	}, nil
}
