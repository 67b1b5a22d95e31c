package daemon

import (
	"fmt"
	"os"
)

// dirPerm is the permission for daemon-managed directories.
const dirPerm = 0750

// DirConfig holds the three root directories the daemon manages.
type DirConfig struct {
	Inbox     string // study folders awaiting import
	Processed string // successfully imported studies, tenant/date bucketed
	Failed    string // quarantined studies with an error.json sibling
}

// EnsureDirs creates all three roots. Idempotent.
func EnsureDirs(cfg DirConfig) error {
	for _, dir := range []string{cfg.Inbox, cfg.Processed, cfg.Failed} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
