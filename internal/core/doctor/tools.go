package doctor

import (
	"context"
	"os/exec"
)

// lookPathFunc is the function used to find executables on PATH.
// Package-level variable to allow test overrides.
var lookPathFunc = exec.LookPath

// Tool is an external executable the controller shells out to.
type Tool struct {
	Label    string
	Command  []string
	Required bool
	Purpose  string
}

// ToolsCheck verifies that required external tools are available on $PATH.
type ToolsCheck struct {
	tools []Tool
}

// NewToolsCheck creates a new tools check.
func NewToolsCheck(tools ...Tool) *ToolsCheck {
	return &ToolsCheck{tools: tools}
}

func (c *ToolsCheck) Name() string {
	return "Tools"
}

func (c *ToolsCheck) Run(_ context.Context) Result {
	result := Result{Name: c.Name()}

	for _, tool := range c.tools {
		if len(tool.Command) == 0 {
			status := StatusWarn
			if tool.Required {
				status = StatusFail
			}
			result.Items = append(result.Items, CheckItem{
				Label:  tool.Label,
				Status: status,
				Detail: "not configured (" + tool.Purpose + ")",
			})
			continue
		}

		path, err := lookPathFunc(tool.Command[0])
		switch {
		case err != nil && tool.Required:
			result.Items = append(result.Items, CheckItem{
				Label:  tool.Label,
				Status: StatusFail,
				Detail: tool.Command[0] + " not found on PATH",
			})
		case err != nil:
			result.Items = append(result.Items, CheckItem{
				Label:  tool.Label,
				Status: StatusWarn,
				Detail: tool.Command[0] + " not found on PATH (" + tool.Purpose + ")",
			})
		default:
			result.Items = append(result.Items, CheckItem{
				Label:  tool.Label,
				Status: StatusPass,
				Detail: path,
			})
		}
	}

	return result
}
