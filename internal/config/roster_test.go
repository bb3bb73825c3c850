package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRoster(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write roster: %v", err)
	}
}

func TestLoadRoster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	writeRoster(t, path, `
workers:
  - id: fw-1
    capabilities: [firmware]
  - id: sw-1
    capabilities: [software, docs]
`)

	roster, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if len(roster.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(roster.Workers))
	}
	caps := roster.Workers[1].CapabilitySet()
	if len(caps) != 2 || caps[0] != "software" {
		t.Errorf("capabilities = %v", caps)
	}
}

func TestRosterValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty", "workers: []\n"},
		{"missing id", "workers:\n  - capabilities: [a]\n"},
		{"duplicate id", "workers:\n  - id: x\n    capabilities: [a]\n  - id: x\n    capabilities: [b]\n"},
		{"no capabilities", "workers:\n  - id: x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "workers.yaml")
			writeRoster(t, path, tc.content)
			if _, err := LoadRoster(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWatchRosterReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	writeRoster(t, path, "workers:\n  - id: fw-1\n    capabilities: [firmware]\n")

	reloaded := make(chan *Roster, 4)
	w, err := WatchRoster(path, func(r *Roster) { reloaded <- r }, nil)
	if err != nil {
		t.Fatalf("WatchRoster: %v", err)
	}
	defer w.Close()

	writeRoster(t, path, "workers:\n  - id: fw-1\n    capabilities: [firmware]\n  - id: sw-1\n    capabilities: [software]\n")

	select {
	case r := <-reloaded:
		if len(r.Workers) != 2 {
			t.Errorf("reloaded workers = %d, want 2", len(r.Workers))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("roster change never observed")
	}
}

func TestWatchRosterKeepsOldOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	writeRoster(t, path, "workers:\n  - id: fw-1\n    capabilities: [firmware]\n")

	reloaded := make(chan *Roster, 4)
	errs := make(chan error, 4)
	w, err := WatchRoster(path, func(r *Roster) { reloaded <- r }, func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("WatchRoster: %v", err)
	}
	defer w.Close()

	writeRoster(t, path, "workers: []\n")

	select {
	case <-errs:
	case r := <-reloaded:
		t.Fatalf("invalid roster was accepted: %+v", r)
	case <-time.After(3 * time.Second):
		t.Fatal("bad edit never reported")
	}
}
