package avatarworker

import (
	"embed"
	"io/fs"
)

// migrationsFS contains the job ledger SQL migration tree, including
// dialect alternatives under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetLedgerMigrationsFS returns the job ledger schema migration tree.
func GetLedgerMigrationsFS() fs.FS {
	return migrationsFS
}
