package commands

import (
	"os"
	"path/filepath"

	"github.com/colonyops/overseer/internal/core/config"
	"golang.org/x/term"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	Workspace  string
	Theme      string

	// Config is loaded in the Before hook and available to all commands
	Config *config.Config
}

// DefaultWorkspace returns the current directory, or "." if it cannot be
// determined.
func DefaultWorkspace() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// ResolveConfigPath returns the config file path. A relative explicit path
// is taken from the working directory; an empty one defaults to the
// workspace's .overseer/config.yaml.
func (f *Flags) ResolveConfigPath() string {
	if f.ConfigPath != "" {
		return f.ConfigPath
	}
	return filepath.Join(f.Workspace, config.DefaultConfigPath)
}

// resolveFormat picks the output format. An empty format means text on a
// terminal and JSON otherwise.
func resolveFormat(format string) string {
	if format != "" {
		return format
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return FormatText
	}
	return FormatJSON
}
