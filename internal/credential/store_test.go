package credential

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestFileStore_SaveAndLoad(t *testing.T) {
	s := NewFileStore(t.TempDir())

	if err := s.Save("telegram", []byte(`{"token":"abc"}`)); err != nil {
		t.Fatal(err)
	}

	data, err := s.Load("telegram")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"token":"abc"}` {
		t.Errorf("unexpected blob: %s", data)
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	s := NewFileStore(t.TempDir())

	_, err := s.Load("matrix")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestFileStore_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	dir := t.TempDir()
	s := NewFileStore(dir)

	if err := s.Save("signal", []byte(`{"phone":"+1555"}`)); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, "signal.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected 0600, got %o", perm)
	}
}

func TestFileStore_RejectsInvalidJSON(t *testing.T) {
	s := NewFileStore(t.TempDir())

	if err := s.Save("teams", []byte("not json")); err == nil {
		t.Error("expected error saving invalid JSON")
	}
}

func TestFileStore_LoadMalformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "slack.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(dir)

	_, err := s.Load("slack")
	if err == nil {
		t.Error("expected error for malformed blob")
	}
	if errors.Is(err, fs.ErrNotExist) {
		t.Error("malformed must not look like missing")
	}
}

func TestFileStore_Delete(t *testing.T) {
	s := NewFileStore(t.TempDir())
	if err := s.Save("whatsapp", []byte(`{"session":"blob"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("whatsapp"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("whatsapp"); !errors.Is(err, fs.ErrNotExist) {
		t.Error("expected blob gone after delete")
	}
	// Deleting again is a no-op.
	if err := s.Delete("whatsapp"); err != nil {
		t.Errorf("second delete should succeed, got %v", err)
	}
}

func TestLoadInto(t *testing.T) {
	s := NewFileStore(t.TempDir())
	if err := SaveFrom(s, "imessage", map[string]string{"serverUrl": "http://mac:1234", "password": "p"}); err != nil {
		t.Fatal(err)
	}

	var creds struct {
		ServerURL string `json:"serverUrl"`
		Password  string `json:"password"`
	}
	if err := LoadInto(s, "imessage", &creds); err != nil {
		t.Fatal(err)
	}
	if creds.ServerURL != "http://mac:1234" {
		t.Errorf("unexpected serverUrl: %s", creds.ServerURL)
	}
}
