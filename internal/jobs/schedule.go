package jobs

import (
	"github.com/EternisAI/silo-gate/internal/tasks"
)

// Schedule registers both jobs on the executor. Each runs once immediately
// and then on its interval until the executor shuts down.
func Schedule(exec *tasks.Executor, cfg Config, sweeper *RetentionSweeper, watcher *ExpiryWatcher) {
	retention := cfg.RetentionInterval
	if retention <= 0 {
		retention = DefaultRetentionInterval
	}
	expiry := cfg.ExpiryInterval
	if expiry <= 0 {
		expiry = DefaultExpiryInterval
	}

	exec.Every("retention-sweep", retention, true, sweeper.Run)
	if watcher != nil {
		exec.Every("expiry-watch", expiry, true, watcher.Run)
	}
}
