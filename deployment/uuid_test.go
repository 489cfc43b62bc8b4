package deployment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("failed to create instance id: %v", err)
	}
	if _, err := uuid.Parse(id.String()); err != nil {
		t.Errorf("generated value is not a UUID: %q", id.String())
	}
	if id.FilePath() != filepath.Join(dir, "instance-uuid.txt") {
		t.Errorf("unexpected file path: %q", id.FilePath())
	}

	// A second load must return the same identity.
	again, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("failed to reload instance id: %v", err)
	}
	if again.String() != id.String() {
		t.Errorf("identity changed across loads: %q != %q", again.String(), id.String())
	}
}

func TestLoadOrCreateReadsExisting(t *testing.T) {
	dir := t.TempDir()
	want := uuid.NewString()
	if err := os.WriteFile(filepath.Join(dir, "instance-uuid.txt"), []byte(want+"\n"), 0o644); err != nil {
		t.Fatalf("failed to seed uuid file: %v", err)
	}

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("failed to load instance id: %v", err)
	}
	if id.String() != want {
		t.Errorf("expected %q, got %q", want, id.String())
	}
}

func TestLoadOrCreateRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance-uuid.txt"), []byte("not-a-uuid"), 0o644); err != nil {
		t.Fatalf("failed to seed uuid file: %v", err)
	}

	if _, err := LoadOrCreate(dir); err == nil {
		t.Fatal("expected error for malformed uuid file")
	}
}

func TestLoadOrCreateCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data", "nested")

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("failed to create instance id in missing dir: %v", err)
	}
	if _, err := os.Stat(id.FilePath()); err != nil {
		t.Errorf("uuid file was not persisted: %v", err)
	}
}
