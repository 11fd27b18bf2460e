package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CommandDefinition maps a wire command name to an action and its static
// parameters. Definitions are never mutated at runtime; edits to the file
// are picked up as a whole-registry swap.
type CommandDefinition struct {
	Action      string         `json:"action"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

type registryFile struct {
	Commands map[string]CommandDefinition `json:"commands"`
}

// Registry is the static command-name to definition mapping loaded from
// admin-commands.json. Reads are lock-free; the watcher swaps the whole map
// atomically on file changes.
type Registry struct {
	path     string
	commands atomic.Pointer[map[string]CommandDefinition]
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// LoadRegistry reads the registry file. A missing file yields an empty
// registry: the installer only writes admin-commands.json when the operator
// enables admin commands.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:   path,
		stopCh: make(chan struct{}),
	}

	commands, err := readRegistryFile(path)
	if err != nil {
		return nil, err
	}
	r.commands.Store(&commands)

	return r, nil
}

func readRegistryFile(path string) (map[string]CommandDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]CommandDefinition{}, nil
		}
		return nil, fmt.Errorf("failed to read command registry %s: %w", path, err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse command registry %s: %w", path, err)
	}
	if file.Commands == nil {
		file.Commands = map[string]CommandDefinition{}
	}
	return file.Commands, nil
}

// Lookup returns the definition for a command name.
func (r *Registry) Lookup(name string) (CommandDefinition, bool) {
	commands := *r.commands.Load()
	def, ok := commands[name]
	return def, ok
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	return len(*r.commands.Load())
}

// Watch reloads the registry when its file changes. Rapid successive writes
// are debounced, since editors and config tooling often write twice.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}
	r.watcher = watcher

	// Watch the directory: rename-based atomic writes replace the file inode.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch registry directory: %w", err)
	}

	go r.watchLoop(ctx)
	slog.Info("command registry watcher started", "path", r.path)
	return nil
}

// Close stops the watcher if one was started.
func (r *Registry) Close() error {
	close(r.stopCh)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) watchLoop(ctx context.Context) {
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer
	needsReload := false

	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Name != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				slog.Debug("command registry file changed", "file", event.Name, "op", event.Op)
				needsReload = true
				debounceTimer.Reset(500 * time.Millisecond)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("registry watcher error", "error", err)

		case <-debounceTimer.C:
			if needsReload {
				if err := r.reload(); err != nil {
					slog.Error("failed to reload command registry", "error", err)
				}
				needsReload = false
			}
		}
	}
}

// reload swaps in the new registry contents. A parse failure keeps the old
// registry: a half-written file must not wipe the command set.
func (r *Registry) reload() error {
	commands, err := readRegistryFile(r.path)
	if err != nil {
		return err
	}
	r.commands.Store(&commands)
	slog.Info("command registry reloaded", "commands", len(commands))
	return nil
}
