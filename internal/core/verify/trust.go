package verify

import (
	"errors"
	"fmt"
)

// Reasons a verification result is not trustworthy.
var (
	ErrNotPassed          = errors.New("verification did not pass")
	ErrSignatureMissing   = errors.New("verification signature missing")
	ErrSignatureStale     = errors.New("verification signature does not match entrypoint")
	ErrModeMismatch       = errors.New("verification ran in a different mode")
	ErrCheckpointMismatch = errors.New("verification was recorded at a different checkpoint")
)

// IsSignatureError reports whether err is a missing or stale signature.
func IsSignatureError(err error) bool {
	return errors.Is(err, ErrSignatureMissing) || errors.Is(err, ErrSignatureStale)
}

// Trust checks that res is a passing run of the current entrypoint in mode
// at checkpoint. The entrypoint hash is re-derived from disk on every call.
func (r *Runner) Trust(res *Result, mode, checkpoint string) error {
	if res == nil {
		return fmt.Errorf("%w: no result recorded", ErrNotPassed)
	}
	if !res.Passed() {
		return fmt.Errorf("%w: exit code %d", ErrNotPassed, res.ExitCode)
	}
	if res.Signature == "" {
		return ErrSignatureMissing
	}

	want, err := HashFile(r.EntrypointPath())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureStale, err)
	}
	if res.Signature != want {
		return fmt.Errorf("%w: got %s, entrypoint is %s", ErrSignatureStale, short(res.Signature), short(want))
	}

	if res.Mode != mode || res.ModeRan != mode {
		return fmt.Errorf("%w: requested %q, ran %q, need %q", ErrModeMismatch, res.Mode, res.ModeRan, mode)
	}
	if res.Checkpoint != checkpoint {
		return fmt.Errorf("%w: %s != %s", ErrCheckpointMismatch, short(res.Checkpoint), short(checkpoint))
	}
	return nil
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
