package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{BackendURL: "https://chat.example.co", APIKey: "anon-key"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.BackendURL != "https://chat.example.co" {
		t.Errorf("BackendURL = %q", loaded.BackendURL)
	}
	if loaded.RealtimeURL != "wss://chat.example.co/realtime/v1/ws" {
		t.Errorf("RealtimeURL = %q, want derived wss endpoint", loaded.RealtimeURL)
	}
	if loaded.HeartbeatSeconds != 120 {
		t.Errorf("HeartbeatSeconds = %d, want default 120", loaded.HeartbeatSeconds)
	}
	if loaded.LogPath != filepath.Join(tmpDir, "client.log") {
		t.Errorf("LogPath = %q", loaded.LogPath)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadRejectsIncomplete(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("backend_url = \"https://x\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for missing api_key")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{BackendURL: "https://x", APIKey: "k"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
