// Package config handles configuration loading and validation for overseer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/colonyops/overseer/internal/core/task"
	"gopkg.in/yaml.v3"
)

// Selection modes.
const (
	SelectController = "controller"
	SelectDelegated  = "delegated"
)

// DefaultConfigPath is the config file location relative to the workspace.
const DefaultConfigPath = ".overseer/config.yaml"

// Config holds the application configuration.
type Config struct {
	TaskStore     string          `yaml:"task_store"`
	StateDir      string          `yaml:"state_dir"`
	ArtifactsDir  string          `yaml:"artifacts_dir"`
	GitPath       string          `yaml:"git_path"`
	MaxIterations int             `yaml:"max_iterations"`
	Verify        VerifyConfig    `yaml:"verify"`
	Worker        WorkerConfig    `yaml:"worker"`
	Selector      SelectorConfig  `yaml:"selector"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Breaker       BreakerConfig   `yaml:"breaker"`
	Guard         GuardConfig     `yaml:"guard"`
	Progress      ProgressConfig  `yaml:"progress"`
	Audit         AuditConfig     `yaml:"audit"`
	SelfHeal      bool            `yaml:"self_heal"`
	DryRun        bool            `yaml:"dry_run"`
	Strict        bool            `yaml:"strict"`
	LockTimeout   time.Duration   `yaml:"lock_timeout"`
	Workspace     string          `yaml:"-"` // set by caller, not from config file
}

// VerifyConfig configures the verification entrypoint.
type VerifyConfig struct {
	Entrypoint string        `yaml:"entrypoint"`
	Mode       string        `yaml:"mode"`
	Timeout    time.Duration `yaml:"timeout"`
	TailLines  int           `yaml:"tail_lines"`
}

// WorkerConfig configures the delegated worker process. The rendered
// instruction is passed as the final argument of Command.
type WorkerConfig struct {
	Command     []string      `yaml:"command"`
	Timeout     time.Duration `yaml:"timeout"`
	Instruction string        `yaml:"instruction"`
}

// SelectorConfig chooses between controller-side and delegated selection.
// In delegated mode Command prints the chosen item id on stdout.
type SelectorConfig struct {
	Mode    string   `yaml:"mode"`
	Command []string `yaml:"command"`
}

// RateLimitConfig bounds worker calls per window.
type RateLimitConfig struct {
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	MaxSameFailure int `yaml:"max_same_failure"`
	MaxNoProgress  int `yaml:"max_no_progress"`
}

// GuardConfig configures scope and cheat detection.
type GuardConfig struct {
	CheatMode    string              `yaml:"cheat_mode"`
	GlobCeiling  int                 `yaml:"glob_ceiling"`
	Allowlist    map[string][]string `yaml:"allowlist"`
	OwnedPaths   []string            `yaml:"owned_paths"`
	TestPatterns []string            `yaml:"test_patterns"`
	CIPatterns   []string            `yaml:"ci_patterns"`
}

// ProgressConfig controls progress log rotation.
type ProgressConfig struct {
	MaxLines int `yaml:"max_lines"`
	Keep     int `yaml:"keep"`
}

// AuditConfig configures read-only audit mode. Command is run once per
// group with the group number appended and must print a JSON report.
type AuditConfig struct {
	Command     []string      `yaml:"command"`
	Concurrency int           `yaml:"concurrency"`
	Inputs      []string      `yaml:"inputs"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultInstruction is the worker instruction template. It is rendered
// with InstructionData.
const DefaultInstruction = `Iteration {{ .Iteration }} of run {{ .RunID }}.

Work on exactly one task: {{ .Item.ID }}{{ if .Item.Title }} ({{ .Item.Title }}){{ end }}.
Do not start any other task in {{ .StorePath }}, and never edit that file.

You may change only these paths:
{{ bullets .Item.Scope.Touch }}
{{- if .Item.Scope.Avoid }}

You must not change these paths:
{{ bullets .Item.Scope.Avoid }}
{{- end }}

Verification:
{{ bullets .Item.VerifyCommands }}

Do not delete or weaken tests, skip them, or edit {{ .VerifyEntrypoint }} or CI configuration.
When the task is complete and verification passes, print this as your final line:
<mark_pass>{{ .Item.ID }}</mark_pass>
`

// InstructionData is the data available to the worker instruction template.
type InstructionData struct {
	RunID            string
	Iteration        int
	Item             task.Item
	StorePath        string
	VerifyEntrypoint string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TaskStore:    "plans/prd.json",
		StateDir:     ".overseer",
		ArtifactsDir: ".overseer/artifacts",
		GitPath:      "git",
		Verify: VerifyConfig{
			Entrypoint: "plans/verify.sh",
			Mode:       "full",
			Timeout:    30 * time.Minute,
			TailLines:  50,
		},
		Worker: WorkerConfig{
			Command:     []string{},
			Timeout:     time.Hour,
			Instruction: DefaultInstruction,
		},
		Selector: SelectorConfig{
			Mode: SelectController,
		},
		RateLimit: RateLimitConfig{
			Capacity: 20,
			Window:   time.Hour,
		},
		Breaker: BreakerConfig{
			MaxSameFailure: 3,
			MaxNoProgress:  2,
		},
		Guard: GuardConfig{
			CheatMode:   "block",
			GlobCeiling: 200,
		},
		Progress: ProgressConfig{
			MaxLines: 500,
			Keep:     200,
		},
		Audit: AuditConfig{
			Concurrency: defaultConcurrency(),
			Timeout:     30 * time.Minute,
		},
		LockTimeout: 5 * time.Second,
	}
}

func defaultConcurrency() int {
	return min(max(runtime.NumCPU(), 1), 8)
}

// Load reads configuration from the given path and sets the workspace.
// If configPath is empty or doesn't exist, returns defaults with the provided workspace.
func Load(configPath, workspace string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Workspace = workspace

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}

			// Re-set workspace since Unmarshal may have cleared it
			cfg.Workspace = workspace
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.TaskStore == "" {
		c.TaskStore = defaults.TaskStore
	}
	if c.StateDir == "" {
		c.StateDir = defaults.StateDir
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = filepath.Join(c.StateDir, "artifacts")
	}
	if c.GitPath == "" {
		c.GitPath = defaults.GitPath
	}
	if c.Verify.Entrypoint == "" {
		c.Verify.Entrypoint = defaults.Verify.Entrypoint
	}
	if c.Verify.Mode == "" {
		c.Verify.Mode = defaults.Verify.Mode
	}
	if c.Verify.Timeout == 0 {
		c.Verify.Timeout = defaults.Verify.Timeout
	}
	if c.Verify.TailLines == 0 {
		c.Verify.TailLines = defaults.Verify.TailLines
	}
	if c.Worker.Timeout == 0 {
		c.Worker.Timeout = defaults.Worker.Timeout
	}
	if c.Worker.Instruction == "" {
		c.Worker.Instruction = defaults.Worker.Instruction
	}
	if c.Selector.Mode == "" {
		c.Selector.Mode = defaults.Selector.Mode
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = defaults.RateLimit.Capacity
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = defaults.RateLimit.Window
	}
	if c.Breaker.MaxSameFailure == 0 {
		c.Breaker.MaxSameFailure = defaults.Breaker.MaxSameFailure
	}
	if c.Breaker.MaxNoProgress == 0 {
		c.Breaker.MaxNoProgress = defaults.Breaker.MaxNoProgress
	}
	if c.Guard.CheatMode == "" {
		c.Guard.CheatMode = defaults.Guard.CheatMode
	}
	if c.Guard.GlobCeiling == 0 {
		c.Guard.GlobCeiling = defaults.Guard.GlobCeiling
	}
	if c.Progress.MaxLines == 0 {
		c.Progress.MaxLines = defaults.Progress.MaxLines
	}
	if c.Progress.Keep == 0 {
		c.Progress.Keep = defaults.Progress.Keep
	}
	if c.Audit.Concurrency == 0 {
		c.Audit.Concurrency = defaults.Audit.Concurrency
	}
	if c.Audit.Timeout == 0 {
		c.Audit.Timeout = defaults.Audit.Timeout
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = defaults.LockTimeout
	}
}

// Path resolves a workspace-relative path.
func (c *Config) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.Workspace, rel)
}

// TaskStorePath returns the absolute Task Store path.
func (c *Config) TaskStorePath() string { return c.Path(c.TaskStore) }

// StateFile returns the Iteration State file path.
func (c *Config) StateFile() string { return c.Path(filepath.Join(c.StateDir, "state.json")) }

// StateLockFile returns the lock guarding the Iteration State.
func (c *Config) StateLockFile() string { return c.Path(filepath.Join(c.StateDir, "state.lock")) }

// RunLockFile returns the lock held for the duration of a run or audit.
func (c *Config) RunLockFile() string { return c.Path(filepath.Join(c.StateDir, "run.lock")) }

// ArtifactsPath returns the artifact root.
func (c *Config) ArtifactsPath() string { return c.Path(c.ArtifactsDir) }

// ProgressFile returns the progress log path.
func (c *Config) ProgressFile() string { return c.Path(filepath.Join(c.StateDir, "progress.log")) }

// ProgressArchiveFile returns the progress archive path.
func (c *Config) ProgressArchiveFile() string {
	return c.Path(filepath.Join(c.StateDir, "progress.archive.log"))
}

// DataDir returns the absolute state directory. The iteration ledger
// database lives here.
func (c *Config) DataDir() string { return c.Path(c.StateDir) }

// LogFile returns the default log file path.
func (c *Config) LogFile() string { return c.Path(filepath.Join(c.StateDir, "overseer.log")) }

// AuditDir returns the directory for audit outputs and cache.
func (c *Config) AuditDir() string { return c.Path(filepath.Join(c.StateDir, "audit")) }

// ControllerDirs returns the workspace-relative directories the controller
// writes to. They are excluded from checkpoints and restores.
func (c *Config) ControllerDirs() []string {
	dirs := []string{filepath.ToSlash(filepath.Clean(c.StateDir))}
	art := filepath.ToSlash(filepath.Clean(c.ArtifactsDir))
	if !isWithin(art, dirs[0]) {
		dirs = append(dirs, art)
	}
	return dirs
}

// OwnedPaths returns the patterns of paths only the controller may change.
// They are skipped by the scope check and by the dirty-workspace check.
func (c *Config) OwnedPaths() []string {
	var out []string
	for _, d := range c.ControllerDirs() {
		out = append(out, d+"/**")
	}
	out = append(out, filepath.ToSlash(filepath.Clean(c.TaskStore)))
	return append(out, c.Guard.OwnedPaths...)
}

func isWithin(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !startsWithDotDot(rel))
}

func startsWithDotDot(rel string) bool {
	return len(rel) >= 3 && rel[:3] == "../"
}
