package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/pkg/tmpl"
	"github.com/hay-kot/criterio"
)

var verifyModeRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// Validate checks structural constraints that need no I/O.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		c.validatePaths(),
		c.validateVerify(),
		c.validateWorker(),
		c.validateSelector(),
		c.validateLimits(),
		c.validateGuard(),
	)
}

func (c *Config) validatePaths() error {
	var errs criterio.FieldErrorsBuilder
	if strings.TrimSpace(c.TaskStore) == "" {
		errs = errs.Append("task_store", errors.New("cannot be empty"))
	}
	if strings.TrimSpace(c.StateDir) == "" {
		errs = errs.Append("state_dir", errors.New("cannot be empty"))
	}
	if strings.TrimSpace(c.GitPath) == "" {
		errs = errs.Append("git_path", errors.New("cannot be empty"))
	}
	if c.LockTimeout <= 0 {
		errs = errs.Append("lock_timeout", errors.New("must be positive"))
	}
	return errs.ToError()
}

func (c *Config) validateVerify() error {
	var errs criterio.FieldErrorsBuilder
	if strings.TrimSpace(c.Verify.Entrypoint) == "" {
		errs = errs.Append("verify.entrypoint", errors.New("cannot be empty"))
	}
	if !verifyModeRe.MatchString(c.Verify.Mode) {
		errs = errs.Append("verify.mode", fmt.Errorf("invalid mode %q", c.Verify.Mode))
	}
	if c.Verify.Timeout <= 0 {
		errs = errs.Append("verify.timeout", errors.New("must be positive"))
	}
	if c.Verify.TailLines < 1 {
		errs = errs.Append("verify.tail_lines", errors.New("must be at least 1"))
	}
	return errs.ToError()
}

func (c *Config) validateWorker() error {
	var errs criterio.FieldErrorsBuilder
	if c.Worker.Timeout <= 0 {
		errs = errs.Append("worker.timeout", errors.New("must be positive"))
	}
	if err := validateInstruction(c.Worker.Instruction); err != nil {
		errs = errs.Append("worker.instruction", fmt.Errorf("template error: %w", err))
	}
	return errs.ToError()
}

func (c *Config) validateSelector() error {
	var errs criterio.FieldErrorsBuilder
	switch c.Selector.Mode {
	case SelectController:
	case SelectDelegated:
		if len(c.Selector.Command) == 0 {
			errs = errs.Append("selector.command", errors.New("required when mode is delegated"))
		}
	default:
		errs = errs.Append("selector.mode", fmt.Errorf("unknown mode %q (want %s or %s)", c.Selector.Mode, SelectController, SelectDelegated))
	}
	return errs.ToError()
}

func (c *Config) validateLimits() error {
	var errs criterio.FieldErrorsBuilder
	if c.RateLimit.Capacity < 1 {
		errs = errs.Append("rate_limit.capacity", errors.New("must be at least 1"))
	}
	if c.RateLimit.Window <= 0 {
		errs = errs.Append("rate_limit.window", errors.New("must be positive"))
	}
	if c.Breaker.MaxSameFailure < 1 {
		errs = errs.Append("breaker.max_same_failure", errors.New("must be at least 1"))
	}
	if c.Breaker.MaxNoProgress < 1 {
		errs = errs.Append("breaker.max_no_progress", errors.New("must be at least 1"))
	}
	if c.Progress.MaxLines < 1 {
		errs = errs.Append("progress.max_lines", errors.New("must be at least 1"))
	}
	if c.Progress.Keep < 0 || c.Progress.Keep > c.Progress.MaxLines {
		errs = errs.Append("progress.keep", fmt.Errorf("must be between 0 and max_lines (%d)", c.Progress.MaxLines))
	}
	if c.Audit.Concurrency < 1 {
		errs = errs.Append("audit.concurrency", errors.New("must be at least 1"))
	}
	if c.Audit.Timeout <= 0 {
		errs = errs.Append("audit.timeout", errors.New("must be positive"))
	}
	return errs.ToError()
}

func (c *Config) validateGuard() error {
	var errs criterio.FieldErrorsBuilder
	if _, err := guard.ParseMode(c.Guard.CheatMode); err != nil {
		errs = errs.Append("guard.cheat_mode", err)
	}
	if c.Guard.GlobCeiling < 1 {
		errs = errs.Append("guard.glob_ceiling", errors.New("must be at least 1"))
	}

	m := guard.NewGlobMatcher()
	for kind, patterns := range c.Guard.Allowlist {
		field := fmt.Sprintf("guard.allowlist[%q]", kind)
		if !guard.SignalKind(kind).Valid() {
			errs = errs.Append(field, fmt.Errorf("unknown signal kind %q", kind))
			continue
		}
		for _, p := range patterns {
			if err := m.Validate(p); err != nil {
				errs = errs.Append(field, err)
			}
		}
	}
	for field, patterns := range map[string][]string{
		"guard.owned_paths":   c.Guard.OwnedPaths,
		"guard.test_patterns": c.Guard.TestPatterns,
		"guard.ci_patterns":   c.Guard.CIPatterns,
	} {
		for i, p := range patterns {
			if err := m.Validate(p); err != nil {
				errs = errs.Append(fmt.Sprintf("%s[%d]", field, i), err)
			}
		}
	}
	return errs.ToError()
}

// validateInstruction renders the instruction with a placeholder item so
// missing keys surface at load time rather than mid-run.
func validateInstruction(text string) error {
	_, err := tmpl.Render(text, InstructionData{
		RunID:     "run",
		Iteration: 1,
		Item: task.Item{
			ID:             "ITEM-1",
			Title:          "placeholder",
			Scope:          task.Scope{Touch: []string{"src/**"}},
			VerifyCommands: []string{"./plans/verify.sh full"},
		},
		StorePath:        "plans/prd.json",
		VerifyEntrypoint: "plans/verify.sh",
	})
	return err
}

// ValidateDeep performs Validate plus checks that touch the filesystem: the
// config file, the workspace, and the git executable.
func (c *Config) ValidateDeep(configPath string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	return criterio.ValidateStruct(
		validateConfigFile(configPath),
		criterio.Run("git_path", c.GitPath, executableExists),
		criterio.Run("workspace", c.Workspace, isDirectory),
		criterio.Run("state_dir", c.Path(c.StateDir), isDirectoryOrNotExist),
	)
}

// Warnings returns non-fatal configuration issues.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if len(c.Worker.Command) == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Worker",
			Message:  "worker.command is empty; run will refuse to dispatch",
		})
	}
	if c.DryRun {
		warnings = append(warnings, ValidationWarning{
			Category: "Run",
			Message:  "dry_run is enabled; no worker will be called",
		})
	}
	if mode, _ := guard.ParseMode(c.Guard.CheatMode); mode == guard.ModeOff {
		warnings = append(warnings, ValidationWarning{
			Category: "Guard",
			Item:     "cheat_mode",
			Message:  "cheat detection is disabled",
		})
	}
	if len(c.Audit.Command) == 0 {
		warnings = append(warnings, ValidationWarning{
			Category: "Audit",
			Message:  "audit.command is empty; audit is unavailable",
		})
	}

	return warnings
}

func validateConfigFile(configPath string) error {
	if configPath == "" {
		return nil
	}

	info, err := os.Stat(configPath)
	if os.IsNotExist(err) {
		return nil // not found is fine, using defaults
	}
	if err != nil {
		return criterio.NewFieldErrors("config_file", fmt.Errorf("cannot access: %w", err))
	}
	if info.IsDir() {
		return criterio.NewFieldErrors("config_file", fmt.Errorf("%s is a directory, not a file", configPath))
	}
	return nil
}

// executableExists validates that path resolves to an executable.
func executableExists(path string) error {
	if path == "" {
		return nil
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("executable not found: %s", path)
	}
	return nil
}

func isDirectory(path string) error {
	if path == "" {
		return errors.New("cannot be empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if !info.IsDir() {
		return errors.New("exists but is not a directory")
	}
	return nil
}

// isDirectoryOrNotExist validates that a path is a directory or doesn't exist.
func isDirectoryOrNotExist(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil // will be created
	}
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if !info.IsDir() {
		return errors.New("exists but is not a directory")
	}
	return nil
}
