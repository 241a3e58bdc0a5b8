package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:      "empty task store",
			mutate:    func(c *Config) { c.TaskStore = " " },
			wantField: "task_store",
		},
		{
			name:      "verify mode with spaces",
			mutate:    func(c *Config) { c.Verify.Mode = "full; rm" },
			wantField: "verify.mode",
		},
		{
			name:      "zero tail lines",
			mutate:    func(c *Config) { c.Verify.TailLines = 0 },
			wantField: "verify.tail_lines",
		},
		{
			name:      "unknown selector",
			mutate:    func(c *Config) { c.Selector.Mode = "random" },
			wantField: "selector.mode",
		},
		{
			name:      "keep above max lines",
			mutate:    func(c *Config) { c.Progress.Keep = c.Progress.MaxLines + 1 },
			wantField: "progress.keep",
		},
		{
			name:      "instruction references unknown field",
			mutate:    func(c *Config) { c.Worker.Instruction = "{{ .Nope }}" },
			wantField: "worker.instruction",
		},
		{
			name:      "unknown allowlist kind",
			mutate:    func(c *Config) { c.Guard.Allowlist = map[string][]string{"anything": {"x"}} },
			wantField: `guard.allowlist["anything"]`,
		},
		{
			name:      "absolute owned path",
			mutate:    func(c *Config) { c.Guard.OwnedPaths = []string{"/etc/passwd"} },
			wantField: "guard.owned_paths[0]",
		},
		{
			name:      "zero breaker threshold",
			mutate:    func(c *Config) { c.Breaker.MaxNoProgress = -1 },
			wantField: "breaker.max_no_progress",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}

			var fieldErrs criterio.FieldErrors
			require.ErrorAs(t, err, &fieldErrs)
			require.Len(t, fieldErrs, 1)
			assert.Equal(t, tt.wantField, fieldErrs[0].Field)
		})
	}
}

func TestValidateDeep(t *testing.T) {
	t.Run("valid workspace", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Workspace = t.TempDir()
		cfg.GitPath = os.Args[0]
		require.NoError(t, cfg.ValidateDeep(""))
	})

	t.Run("missing workspace", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Workspace = filepath.Join(t.TempDir(), "missing")
		cfg.GitPath = os.Args[0]
		var fieldErrs criterio.FieldErrors
		require.ErrorAs(t, cfg.ValidateDeep(""), &fieldErrs)
		assert.Equal(t, "workspace", fieldErrs[0].Field)
	})

	t.Run("missing git", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Workspace = t.TempDir()
		cfg.GitPath = "definitely-not-a-real-git-binary"
		var fieldErrs criterio.FieldErrors
		require.ErrorAs(t, cfg.ValidateDeep(""), &fieldErrs)
		assert.Equal(t, "git_path", fieldErrs[0].Field)
		assert.Contains(t, fieldErrs[0].Err.Error(), "executable not found")
	})

	t.Run("config path is a directory", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Workspace = t.TempDir()
		cfg.GitPath = os.Args[0]
		var fieldErrs criterio.FieldErrors
		require.ErrorAs(t, cfg.ValidateDeep(cfg.Workspace), &fieldErrs)
		assert.Equal(t, "config_file", fieldErrs[0].Field)
	})
}

func TestWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guard.CheatMode = "off"
	cfg.DryRun = true

	var categories []string
	for _, w := range cfg.Warnings() {
		categories = append(categories, w.Category)
	}
	assert.ElementsMatch(t, []string{"Worker", "Run", "Guard", "Audit"}, categories)

	cfg = DefaultConfig()
	cfg.Worker.Command = []string{"agent"}
	cfg.Audit.Command = []string{"auditor"}
	assert.Empty(t, cfg.Warnings())
}
