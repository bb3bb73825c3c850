package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/anvilworks/anvil/pkg/models"
)

// WorkerSpec declares one worker in the roster file.
type WorkerSpec struct {
	// ID is the worker's unique identifier.
	ID string `yaml:"id"`
	// Capabilities lists the capability tags the worker serves.
	Capabilities []string `yaml:"capabilities"`
}

// CapabilitySet returns the capabilities as typed values.
func (w WorkerSpec) CapabilitySet() []models.Capability {
	caps := make([]models.Capability, len(w.Capabilities))
	for i, c := range w.Capabilities {
		caps[i] = models.Capability(c)
	}
	return caps
}

// Roster is the set of workers to register at startup, loaded from a
// workers.yaml file.
type Roster struct {
	Workers []WorkerSpec `yaml:"workers"`
}

// LoadRoster reads and validates a roster file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return &roster, nil
}

// Validate checks worker IDs are unique and capability sets non-empty.
func (r *Roster) Validate() error {
	if len(r.Workers) == 0 {
		return fmt.Errorf("no workers declared")
	}
	seen := make(map[string]bool)
	for i, w := range r.Workers {
		if w.ID == "" {
			return fmt.Errorf("worker %d has no id", i)
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = true
		if len(w.Capabilities) == 0 {
			return fmt.Errorf("worker %q declares no capabilities", w.ID)
		}
	}
	return nil
}

// RosterWatcher reloads the roster when its file changes on disk.
type RosterWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchRoster watches the roster file and calls onChange with each
// successfully reloaded roster. Edits that fail validation are reported
// through onError and the previous roster stays in effect. Editors that
// replace the file (rename-over) are handled by watching the directory.
func WatchRoster(path string, onChange func(*Roster), onError func(error)) (*RosterWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &RosterWatcher{
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go w.run(path, onChange, onError)
	return w, nil
}

// run delivers debounced reloads until Close.
func (w *RosterWatcher) run(path string, onChange func(*Roster), onError func(error)) {
	abs, _ := filepath.Abs(path)
	var pending *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			evAbs, _ := filepath.Abs(event.Name)
			if evAbs != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: editors fire several events per save.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(50*time.Millisecond, func() {
				roster, err := LoadRoster(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					return
				}
				onChange(roster)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		case <-w.done:
			return
		}
	}
}

// Close stops watching. Pending debounced reloads may still fire.
func (w *RosterWatcher) Close() {
	close(w.done)
	w.watcher.Close()
}
