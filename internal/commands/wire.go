package commands

import (
	"fmt"
	"os"

	"github.com/colonyops/overseer/internal/controller"
	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/internal/core/git"
	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/logging"
	"github.com/colonyops/overseer/internal/core/state"
	"github.com/colonyops/overseer/internal/data/db"
	"github.com/colonyops/overseer/internal/data/stores"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/rs/zerolog/log"
)

func newGit(cfg *config.Config, exec executil.Executor) git.Git {
	return git.NewExecutor(cfg.GitPath, exec)
}

func newRunLock(cfg *config.Config) *lock.FileMutex {
	return lock.NewFileMutex(cfg.RunLockFile())
}

func newTracker(cfg *config.Config) *state.Tracker {
	return state.NewTracker(cfg.StateFile(), lock.NewFileMutex(cfg.StateLockFile()), cfg.LockTimeout)
}

func newDetector(cfg *config.Config, m guard.Matcher) *guard.Detector {
	allow := make(map[guard.SignalKind][]string, len(cfg.Guard.Allowlist))
	for kind, patterns := range cfg.Guard.Allowlist {
		allow[guard.SignalKind(kind)] = patterns
	}
	return guard.NewDetector(m, guard.CheatConfig{
		VerifyEntrypoint: cfg.Verify.Entrypoint,
		TestPatterns:     cfg.Guard.TestPatterns,
		CIPatterns:       cfg.Guard.CIPatterns,
		Allowlist:        allow,
	})
}

func newSelector(cfg *config.Config, exec executil.Executor) controller.Selector {
	if cfg.Selector.Mode == config.SelectDelegated {
		return controller.NewCommandSelector(exec, cfg.Selector.Command, cfg.Workspace, cfg.Worker.Timeout, logging.Component("selector"))
	}
	return controller.QueueSelector{}
}

// openHistory opens the iteration ledger. A corrupted database is moved
// aside and recreated; losing history never blocks a run.
func openHistory(cfg *config.Config) (*stores.HistoryStore, func(), error) {
	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}

	database, err := db.Open(cfg.DataDir(), db.DefaultOpenOptions())
	if err != nil && stores.IsCorruptionError(err) {
		backup, rerr := stores.RecoverFromCorruption(cfg.DataDir())
		if rerr != nil {
			return nil, nil, fmt.Errorf("recover ledger: %w", rerr)
		}
		log.Warn().Err(err).Str("backup", backup).Msg("iteration ledger was corrupt, starting a new one")
		database, err = db.Open(cfg.DataDir(), db.DefaultOpenOptions())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	closer := func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close ledger")
		}
	}
	return stores.NewHistoryStore(database), closer, nil
}
