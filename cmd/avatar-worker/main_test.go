package main

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowsmartly/avatar-worker/core"
)

func TestRootCommandWiresSubcommands(t *testing.T) {
	root := newRootCommand()

	found := map[string]bool{}
	for _, sub := range root.Commands() {
		found[sub.Name()] = true
	}
	for _, want := range []string{"serve", "run", "migrate"} {
		if !found[want] {
			t.Fatalf("expected %q subcommand, have %v", want, found)
		}
	}
}

func TestJobPayloadFromFlags(t *testing.T) {
	raw, err := jobPayload(nil, "job-1", "https://cdn.example/face.png", "https://cdn.example/voice.wav", "musetalk")
	if err != nil {
		t.Fatalf("job payload: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["id"] != "job-1" {
		t.Fatalf("expected job id, got %v", payload["id"])
	}
	input, ok := payload["input"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested input block, got %T", payload["input"])
	}
	if input["input_image_url"] != "https://cdn.example/face.png" {
		t.Fatalf("unexpected image url %v", input["input_image_url"])
	}
	if input["input_audio_url"] != "https://cdn.example/voice.wav" {
		t.Fatalf("unexpected audio url %v", input["input_audio_url"])
	}
	if input["engine"] != "musetalk" {
		t.Fatalf("unexpected engine %v", input["engine"])
	}
}

func TestJobPayloadOmitsEmptyOptionals(t *testing.T) {
	raw, err := jobPayload(nil, "", "https://cdn.example/face.png", "https://cdn.example/voice.wav", "")
	if err != nil {
		t.Fatalf("job payload: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if _, ok := payload["id"]; ok {
		t.Fatalf("expected id to be omitted, got %v", payload["id"])
	}
	input := payload["input"].(map[string]any)
	if _, ok := input["engine"]; ok {
		t.Fatalf("expected engine to be omitted, got %v", input["engine"])
	}
}

func TestJobPayloadRequiresBothInputs(t *testing.T) {
	if _, err := jobPayload(nil, "", "https://cdn.example/face.png", "", ""); err == nil {
		t.Fatalf("expected missing audio url to be rejected")
	}
	if _, err := jobPayload(nil, "", "", "https://cdn.example/voice.wav", ""); err == nil {
		t.Fatalf("expected missing image url to be rejected")
	}
}

func TestJobPayloadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.json")
	if err := os.WriteFile(path, []byte(`{"id":"job-7"}`), 0o600); err != nil {
		t.Fatalf("write job file: %v", err)
	}

	raw, err := jobPayload([]string{path}, "", "", "", "")
	if err != nil {
		t.Fatalf("job payload: %v", err)
	}
	if string(raw) != `{"id":"job-7"}` {
		t.Fatalf("unexpected payload %s", raw)
	}

	if _, err := jobPayload([]string{filepath.Join(t.TempDir(), "missing.json")}, "", "", "", ""); err == nil {
		t.Fatalf("expected missing job file to error")
	}
}

func TestLedgerMigrationFSSelectsDialect(t *testing.T) {
	for _, driver := range []string{"", "sqlite3", "sqlite", "postgres"} {
		fsys, err := ledgerMigrationFS(driver)
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		matches, globErr := fs.Glob(fsys, "*.up.sql")
		if globErr != nil {
			t.Fatalf("driver %q glob: %v", driver, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("driver %q: expected migration files", driver)
		}
	}

	if _, err := ledgerMigrationFS("mysql"); err == nil {
		t.Fatalf("expected unsupported driver to be rejected")
	}
}

func TestOpenLedgerDriverHandling(t *testing.T) {
	db, err := openLedger(core.LedgerConfig{})
	if err != nil || db != nil {
		t.Fatalf("expected empty dsn to skip the ledger, got db=%v err=%v", db, err)
	}

	if _, err := openLedger(core.LedgerConfig{Driver: "mysql", DSN: "unused"}); err == nil {
		t.Fatalf("expected unsupported driver to be rejected")
	}

	db, err = openLedger(core.LedgerConfig{Driver: "sqlite3", DSN: "file:cli-ledger?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open sqlite ledger: %v", err)
	}
	if db == nil {
		t.Fatalf("expected a ledger handle")
	}
	_ = db.Close()
}
