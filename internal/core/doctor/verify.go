package doctor

import (
	"context"
	"fmt"
	"os"

	"github.com/colonyops/overseer/internal/core/verify"
)

// VerifyCheck verifies the verification entrypoint exists and is executable.
type VerifyCheck struct {
	path string
}

// NewVerifyCheck creates a new verification entrypoint check.
func NewVerifyCheck(path string) *VerifyCheck {
	return &VerifyCheck{path: path}
}

func (c *VerifyCheck) Name() string {
	return "Verification"
}

func (c *VerifyCheck) Run(_ context.Context) Result {
	result := Result{Name: c.Name()}

	info, err := os.Stat(c.path)
	switch {
	case os.IsNotExist(err):
		result.Items = append(result.Items, CheckItem{
			Label:  c.path,
			Status: StatusFail,
			Detail: "entrypoint does not exist",
		})
		return result
	case err != nil:
		result.Items = append(result.Items, CheckItem{
			Label:  c.path,
			Status: StatusFail,
			Detail: fmt.Sprintf("inaccessible: %v", err),
		})
		return result
	case info.IsDir():
		result.Items = append(result.Items, CheckItem{
			Label:  c.path,
			Status: StatusFail,
			Detail: "path is a directory",
		})
		return result
	case info.Mode()&0o111 == 0:
		result.Items = append(result.Items, CheckItem{
			Label:   c.path,
			Status:  StatusFail,
			Detail:  "entrypoint is not executable",
			Fixable: true,
		})
		return result
	}

	sum, err := verify.HashFile(c.path)
	if err != nil {
		result.Items = append(result.Items, CheckItem{
			Label:  c.path,
			Status: StatusFail,
			Detail: err.Error(),
		})
		return result
	}

	result.Items = append(result.Items, CheckItem{
		Label:  c.path,
		Status: StatusPass,
		Detail: "sha256 " + shortRev(sum),
	})
	return result
}

// Fix makes the entrypoint executable.
func (c *VerifyCheck) Fix() error {
	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}
	return os.Chmod(c.path, info.Mode()|0o111)
}
