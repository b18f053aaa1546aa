package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	avatarworker "github.com/flowsmartly/avatar-worker"
	_ "github.com/mattn/go-sqlite3"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}

	var postgresFound bool
	var sqliteFound bool
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("expected %s migration files, got none", entry.Dialect)
		}
		switch entry.Dialect {
		case DialectPostgres:
			postgresFound = true
		case DialectSQLite:
			sqliteFound = true
		}
	}

	if !postgresFound {
		t.Fatalf("expected postgres filesystem")
	}
	if !sqliteFound {
		t.Fatalf("expected sqlite filesystem")
	}
}

func TestFilesystems_PostgresHidesNestedDialects(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}

	for _, entry := range filesystems {
		if entry.Dialect != DialectPostgres {
			continue
		}
		var walked []string
		walkErr := fs.WalkDir(entry.FS, ".", func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			walked = append(walked, path)
			return nil
		})
		if walkErr != nil {
			t.Fatalf("walk postgres filesystem: %v", walkErr)
		}
		if len(walked) == 0 {
			t.Fatalf("expected postgres migration files")
		}
		for _, path := range walked {
			if strings.Contains(path, "/") {
				t.Fatalf("expected only top-level postgres migrations, walked %q", path)
			}
		}
		return
	}
	t.Fatalf("postgres filesystem not found")
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	var labels []string
	_, err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		calls = append(calls, dialect)
		labels = append(labels, label)
		return nil
	}, WithValidationTargets(DialectSQLite))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 registration call, got %d", len(calls))
	}
	if calls[0] != DialectSQLite {
		t.Fatalf("expected sqlite registration, got %q", calls[0])
	}
	if labels[0] != "avatar-worker" {
		t.Fatalf("expected default source label, got %q", labels[0])
	}
}

func TestRegister_RequiresRegisterFunc(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected nil register function to be rejected")
	}
}

func TestJobLedgerMigrationPair_ExistsForBothDialects(t *testing.T) {
	root := avatarworker.GetLedgerMigrationsFS()
	paths := []string{
		"data/sql/migrations/00001_avatar_jobs_schema.up.sql",
		"data/sql/migrations/00001_avatar_jobs_schema.down.sql",
		"data/sql/migrations/sqlite/00001_avatar_jobs_schema.up.sql",
		"data/sql/migrations/sqlite/00001_avatar_jobs_schema.down.sql",
	}
	for _, migrationPath := range paths {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			t.Fatalf("expected migration %s to have SQL content", migrationPath)
		}
	}
}

func TestSQLiteJobLedgerMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-job-ledger?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	root := avatarworker.GetLedgerMigrationsFS()
	sqliteMigrations, err := fs.Sub(root, "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}

	ctx := context.Background()
	if err := execSQLMigration(ctx, db, sqliteMigrations, "00001_avatar_jobs_schema.up.sql"); err != nil {
		t.Fatalf("apply ledger migration: %v", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO avatar_jobs (id, image_url, audio_url, status)
		VALUES ('job_mig_1', 'https://cdn.example/face.png', 'https://cdn.example/voice.wav', 'received')
	`); err != nil {
		t.Fatalf("insert into avatar_jobs: %v", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO avatar_jobs (id, image_url, audio_url, status)
		VALUES ('job_mig_1', 'https://cdn.example/face.png', 'https://cdn.example/voice.wav', 'received')
	`); err == nil {
		t.Fatalf("expected duplicate job id to violate the primary key")
	}

	if err := execSQLMigration(ctx, db, sqliteMigrations, "00001_avatar_jobs_schema.down.sql"); err != nil {
		t.Fatalf("rollback ledger migration: %v", err)
	}

	var name string
	err = db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'avatar_jobs'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Fatalf("expected avatar_jobs table to be dropped, got name=%q err=%v", name, err)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
