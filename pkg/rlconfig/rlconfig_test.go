package rlconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

type testConfig struct {
	Auth string `json:"auth"`
	Port int    `json:"port"`
}

func TestLoadMissingWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	defaults := testConfig{Auth: "secret", Port: 9000}

	got, err := Load(zerolog.Nop(), path, defaults)
	if err != nil {
		t.Fatal(err)
	}
	if got != defaults {
		t.Errorf("got %+v, want %+v", got, defaults)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk testConfig
	if err := json.Unmarshal(buf, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk != defaults {
		t.Errorf("on disk %+v, want %+v", onDisk, defaults)
	}
}

func TestLoadValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	want := testConfig{Auth: "hunter2", Port: 1234}
	buf, _ := json.Marshal(want)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(zerolog.Nop(), path, testConfig{Auth: "default"})
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadCorruptFileBacksUpAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	defaults := testConfig{Auth: "default", Port: 1}

	got, err := Load(zerolog.Nop(), path, defaults)
	if err != nil {
		t.Fatal(err)
	}
	if got != defaults {
		t.Errorf("got %+v, want %+v", got, defaults)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	foundBackup := false
	for _, e := range entries {
		if e.Name() != "config.json" {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Error("expected a backup file to be created")
	}
}
