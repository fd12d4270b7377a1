package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"controlnav/internal/routing"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory holding project-level controlnav config.
	WorkspaceDirName = ".controlnav"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories are walked when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace).
	Disable bool
	// ExplicitDir is used as workspace root instead of walking up (--workspace-dir).
	ExplicitDir string
}

// Config captures every tunable setting of the controlnav server and CLI.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Browser    BrowserConfig    `yaml:"browser"`
	MCP        MCPConfig        `yaml:"mcp"`
	Mangle     MangleConfig     `yaml:"mangle"`
	Navigation NavigationConfig `yaml:"navigation"`
	Trace      TraceConfig      `yaml:"trace"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// LogFile receives log output in stdio mode, where stdout carries the protocol.
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how Chrome is attached to or launched for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222).
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command; the first element is the browser binary, the rest are flags.
	Launch []string `yaml:"launch"`
	// AutoStart connects to the browser when the server starts.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether a launched Chrome runs headless (default: true).
	Headless *bool `yaml:"headless"`
	// Timeout for loading the control UI when a session opens (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Timeout for a single location read or history write (e.g., "5s").
	PortTimeout    string `yaml:"port_timeout"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, serves SSE on this port instead of stdio.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded fact engine.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	// FactBufferLimit bounds the buffered base facts; older facts are evicted
	// from both temporal lookups and rule evaluation. Zero keeps everything.
	FactBufferLimit int `yaml:"fact_buffer_limit"`
}

// NavigationConfig describes the control UI being driven: its tabs, the
// optional mount prefix and the bootstrap token parameter.
type NavigationConfig struct {
	// Tabs replaces the builtin tab set when non-empty.
	Tabs       []routing.Tab `yaml:"tabs"`
	DefaultTab string        `yaml:"default_tab"`
	// BasePathOverride pins the mount prefix instead of inferring it.
	BasePathOverride string `yaml:"base_path_override"`
	TokenParam       string `yaml:"token_param"`
	// Fallback is the base path reported for unknown paths: "path" or "empty".
	Fallback string `yaml:"fallback"`
}

// TraceConfig controls JSONL navigation traces.
type TraceConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
	Keep   int    `yaml:"keep"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "controlnav-mcp",
			Version: "0.1.0",
			LogFile: "controlnav-mcp.log",
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			DefaultNavigationTimeout: "15s",
			PortTimeout:              "5s",
			ViewportWidth:            1280,
			ViewportHeight:           800,
		},
		Mangle: MangleConfig{
			Enable:          true,
			SchemaPath:      "schemas/navigation.mg",
			FactBufferLimit: 2048,
		},
		Navigation: NavigationConfig{
			TokenParam: "token",
			Fallback:   "path",
		},
		Trace: TraceConfig{
			Enable: true,
			Dir:    filepath.Join("data", "traces"),
			Keep:   3,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for .controlnav/config.yaml.
// It returns the workspace root (parent of .controlnav/) or "" when none is found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace merges configuration layers:
//
//	DefaultConfig() <- .controlnav/config.yaml <- explicit --config <- CLI flags
//
// It returns the merged config and the workspace directory (empty if none).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", err)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

const workspaceTemplate = `# controlnav project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# navigation:
#   base_path_override: "/ui"
#   token_param: "token"
#   fallback: "path"
#   default_tab: "overview"
#   tabs:
#     - { id: overview, title: Overview }
#     - { id: chat, title: Chat }

# browser:
#   headless: false
#   debugger_url: "ws://localhost:9222"

# trace:
#   dir: ".controlnav/data/traces"
`

// InitWorkspace creates a .controlnav/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "schemas"), filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(workspaceTemplate), 0o644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignore := "# Runtime data (logs, traces)\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignore), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths anchors relative paths of a workspace config at wsDir.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Trace.Dir = resolve(cfg.Trace.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.MCP.SSEPort < 0 || c.MCP.SSEPort > 65535 {
		return fmt.Errorf("mcp.sse_port %d out of range", c.MCP.SSEPort)
	}
	if _, err := c.Navigation.TabSet(); err != nil {
		return fmt.Errorf("navigation.tabs: %w", err)
	}
	if _, err := c.Navigation.FallbackMode(); err != nil {
		return fmt.Errorf("navigation.fallback: %w", err)
	}
	if strings.ContainsAny(c.Navigation.GetTokenParam(), "&=?# ") {
		return fmt.Errorf("navigation.token_param %q is not a plain query parameter name", c.Navigation.TokenParam)
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// GetPortTimeout returns the parsed per-operation port timeout with a sane default.
func (b BrowserConfig) GetPortTimeout() time.Duration {
	return parseDuration(b.PortTimeout, 5*time.Second)
}

// IsHeadless returns whether Chrome should run headless (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 800
	}
	return b.ViewportHeight
}

// TabSet builds the configured tab set, falling back to the builtin tabs.
func (n NavigationConfig) TabSet() (*routing.TabSet, error) {
	tabs := n.Tabs
	if len(tabs) == 0 {
		tabs = routing.BuiltinTabs()
	}
	defaultTab := n.DefaultTab
	if len(n.Tabs) == 0 && defaultTab == "" {
		defaultTab = routing.DefaultTabID
	}
	return routing.NewTabSet(tabs, defaultTab)
}

// FallbackMode parses Fallback.
func (n NavigationConfig) FallbackMode() (routing.Fallback, error) {
	return routing.ParseFallback(n.Fallback)
}

// GetTokenParam returns the token query parameter name (default: token).
func (n NavigationConfig) GetTokenParam() string {
	if p := strings.TrimSpace(n.TokenParam); p != "" {
		return p
	}
	return "token"
}

// GetKeep returns how many trace files to retain (default: 3).
func (t TraceConfig) GetKeep() int {
	if t.Keep <= 0 {
		return 3
	}
	return t.Keep
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
