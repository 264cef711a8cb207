// Package config handles loading and validating Fundi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Fundi. Every field has a sensible
// default: a FastAPI project with a pytest suite works with no config file
// at all.
type Config struct {
	Project       ProjectConfig        `json:"project" yaml:"project"`
	Databases     DatabasesConfig      `json:"databases" yaml:"databases"`
	Registry      RegistryConfig       `json:"registry" yaml:"registry"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	GitHub        *GitHubConfig        `json:"github,omitempty" yaml:"github,omitempty"`               // nil = local-only fixes
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Watch         *WatchConfig         `json:"watch,omitempty" yaml:"watch,omitempty"`                 // nil = watch mode disabled
}

// ProjectConfig describes the application under management.
type ProjectConfig struct {
	Name          string   `json:"name" yaml:"name"`                     // Default: "my-fastapi-app".
	PythonVersion string   `json:"python_version" yaml:"python_version"` // Default: "3.11".
	Image         string   `json:"image" yaml:"image"`                   // Overrides python_version when set.
	Install       []string `json:"install" yaml:"install"`               // Default: pip install -r requirements.txt.
	TestCommand   []string `json:"test_command" yaml:"test_command"`     // Default: pytest via sh.
	Entrypoint    []string `json:"entrypoint" yaml:"entrypoint"`         // Default: uvicorn main:app.
	Port          int      `json:"port" yaml:"port"`                     // Exposed application port. Default: 8000.
	Exclude       []string `json:"exclude" yaml:"exclude"`               // Top-level entries kept out of the environment. Default: .git, .fundi.
}

// BaseImage returns the environment base image.
func (p *ProjectConfig) BaseImage() string {
	if p.Image != "" {
		return p.Image
	}
	version := p.PythonVersion
	if version == "" {
		version = "3.11"
	}
	return "python:" + version
}

// AppName returns the project name, defaulting to "my-fastapi-app".
func (p *ProjectConfig) AppName() string {
	if p.Name != "" {
		return p.Name
	}
	return "my-fastapi-app"
}

// InstallCommand returns the dependency install command.
func (p *ProjectConfig) InstallCommand() []string {
	if len(p.Install) > 0 {
		return p.Install
	}
	return []string{"pip", "install", "-r", "requirements.txt"}
}

// TestCmd returns the test command.
func (p *ProjectConfig) TestCmd() []string {
	if len(p.TestCommand) > 0 {
		return p.TestCommand
	}
	return []string{"sh", "-c", "PYTHONPATH=$(pwd) pytest --tb=short"}
}

// EntrypointCmd returns the serve entrypoint.
func (p *ProjectConfig) EntrypointCmd() []string {
	if len(p.Entrypoint) > 0 {
		return p.Entrypoint
	}
	return []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000"}
}

// AppPort returns the exposed application port, defaulting to 8000.
func (p *ProjectConfig) AppPort() int {
	if p.Port > 0 {
		return p.Port
	}
	return 8000
}

// Excluded returns the source entries kept out of the environment.
func (p *ProjectConfig) Excluded() []string {
	if len(p.Exclude) > 0 {
		return p.Exclude
	}
	return []string{".git", ".fundi"}
}

// DatabasesConfig holds the throwaway databases bound during test runs and
// serving.
type DatabasesConfig struct {
	Test DatabaseConfig `json:"test" yaml:"test"`
	App  DatabaseConfig `json:"app" yaml:"app"`
}

// DatabaseConfig describes one PostgreSQL service container.
type DatabaseConfig struct {
	Image    string `json:"image" yaml:"image"`       // Default: "postgres:alpine".
	Name     string `json:"name" yaml:"name"`         // Database name.
	Password string `json:"password" yaml:"password"` // Superuser password.
}

func (d *DatabaseConfig) withDefaults(name, password string) DatabaseConfig {
	out := *d
	if out.Image == "" {
		out.Image = "postgres:alpine"
	}
	if out.Name == "" {
		out.Name = name
	}
	if out.Password == "" {
		out.Password = password
	}
	return out
}

// TestDB returns the test database settings with defaults applied.
func (d *DatabasesConfig) TestDB() DatabaseConfig {
	return d.Test.withDefaults("app_test", "app_test_secret")
}

// AppDB returns the serving database settings with defaults applied.
func (d *DatabasesConfig) AppDB() DatabaseConfig {
	return d.App.withDefaults("app", "app_secret")
}

// RegistryConfig configures where publish pushes images.
type RegistryConfig struct {
	Host string `json:"host" yaml:"host"` // Default: "ttl.sh" (anonymous, short-lived).
}

// RegistryHost returns the registry host, defaulting to ttl.sh.
func (r *RegistryConfig) RegistryHost() string {
	if r.Host != "" {
		return r.Host
	}
	return "ttl.sh"
}

// ProvidersConfig holds LLM backend credentials. API keys can be set here or
// via environment variables; the environment takes precedence.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic" (default), "openai", "ollama".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when the default fails.
	Anthropic ProviderConfig  `json:"anthropic" yaml:"anthropic"`
	OpenAI    ProviderConfig  `json:"openai" yaml:"openai"`
	Ollama    *ProviderConfig `json:"ollama,omitempty" yaml:"ollama,omitempty"`
}

// ProviderConfig configures one LLM backend.
type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Override for self-hosted endpoints.
}

// DefaultProvider returns the configured default provider name.
func (p *ProvidersConfig) DefaultProvider() string {
	if p.Default != "" {
		return p.Default
	}
	return "anthropic"
}

// AnthropicModel returns the Anthropic model, with a default.
func (p *ProvidersConfig) AnthropicModel() string {
	if p.Anthropic.Model != "" {
		return p.Anthropic.Model
	}
	return "claude-sonnet-4-0"
}

// OpenAIModel returns the OpenAI model, with a default.
func (p *ProvidersConfig) OpenAIModel() string {
	if p.OpenAI.Model != "" {
		return p.OpenAI.Model
	}
	return "gpt-4o"
}

// AgentConfig bounds the fix agent's tool loop.
type AgentConfig struct {
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"` // Default: 25.
	MaxTokens     int `json:"max_tokens" yaml:"max_tokens"`         // Per-turn output limit. Default: provider's.
}

// GitHubConfig enables remote fixes: opening pull requests and posting
// commit comments. All three fields are required for remote mode.
type GitHubConfig struct {
	Repository string `json:"repository" yaml:"repository"` // "owner/name".
	Ref        string `json:"ref" yaml:"ref"`               // Branch the fix targets, e.g. "main".
	Token      string `json:"token" yaml:"token"`           // API token; GITHUB_TOKEN env var takes precedence.
}

// Complete reports whether all remote-mode parameters are present.
func (g *GitHubConfig) Complete() bool {
	return g != nil && g.Repository != "" && g.Ref != "" && g.Token != ""
}

// Partial reports whether some but not all remote-mode parameters are set.
func (g *GitHubConfig) Partial() bool {
	if g == nil {
		return false
	}
	any := g.Repository != "" || g.Ref != "" || g.Token != ""
	return any && !g.Complete()
}

// ObservabilityConfig configures metrics, tracing, and the status server.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Status  *StatusConfig  `json:"status,omitempty" yaml:"status,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// StatusConfig configures the HTTP status server (health and metrics
// endpoints) used in watch mode.
type StatusConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"` // Default: ":9090".
}

// ListenAddr returns the status server address, defaulting to ":9090".
func (s *StatusConfig) ListenAddr() string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return ":9090"
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "fundi".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev.
}

// WatchConfig configures the periodic test-and-fix loop.
type WatchConfig struct {
	Schedule     string `json:"schedule" yaml:"schedule"`               // Cron expression. Default: "*/30 * * * *".
	FixOnFailure bool   `json:"fix_on_failure" yaml:"fix_on_failure"`   // Run the fix agent when tests fail.
	Output       string `json:"output" yaml:"output"`                   // Directory local fixes are exported to.
	MaxRuns      int    `json:"max_runs,omitempty" yaml:"max_runs,omitempty"` // 0 = unbounded.
}

// CronSchedule returns the watch schedule, defaulting to every 30 minutes.
func (w *WatchConfig) CronSchedule() string {
	if w != nil && w.Schedule != "" {
		return w.Schedule
	}
	return "*/30 * * * *"
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config. The
// format is detected by file extension: .yml/.yaml for YAML, everything else
// for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}
	if envKey := os.Getenv("GITHUB_TOKEN"); envKey != "" {
		if c.GitHub == nil {
			c.GitHub = &GitHubConfig{}
		}
		c.GitHub.Token = envKey
	}
	if envHost := os.Getenv("FUNDI_REGISTRY"); envHost != "" {
		c.Registry.Host = envHost
	}
}

func (c *Config) validate() error {
	switch c.Providers.DefaultProvider() {
	case "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}
	if c.Providers.DefaultProvider() == "ollama" && c.Providers.Ollama == nil {
		return fmt.Errorf("default provider is ollama but no ollama section is configured")
	}
	for _, name := range c.Providers.Fallback {
		switch name {
		case "anthropic", "openai", "ollama":
		default:
			return fmt.Errorf("unknown fallback provider %q", name)
		}
	}
	if p := c.Project.Port; p < 0 || p > 65535 {
		return fmt.Errorf("invalid project port %d", p)
	}
	if c.Watch != nil && c.Watch.MaxRuns < 0 {
		return fmt.Errorf("watch max_runs must not be negative")
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute
// path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
