package target

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry maintains the in-memory target index loaded from the targets file.
// Durable storage of the list itself is owned by whoever edits the file; the
// registry only reads it at startup.
type Registry struct {
	targets map[string]*Target // keyed by Target.Key()
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		targets: make(map[string]*Target),
		logger:  logger.With("component", "target-registry"),
	}
}

// targetsFile is the on-disk shape of the persisted target list
type targetsFile struct {
	Targets []*Target `yaml:"targets"`
}

// LoadFile reads and validates the persisted target list, replacing the
// current index. Duplicate keys are rejected.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read targets file: %w", err)
	}

	var file targetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse targets file: %w", err)
	}

	loaded := make(map[string]*Target, len(file.Targets))
	for _, t := range file.Targets {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("target %q: %w", t.Label, err)
		}
		key := t.Key()
		if _, exists := loaded[key]; exists {
			return fmt.Errorf("duplicate target key: %s", key)
		}
		loaded[key] = t
	}

	r.mu.Lock()
	r.targets = loaded
	r.mu.Unlock()

	r.logger.Info("targets loaded", "count", len(loaded), "file", path)
	return nil
}

// Get retrieves a target by key
func (r *Registry) Get(key string) (*Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.targets[key]
	return t, ok
}

// Add registers a target, rejecting duplicate keys
func (r *Registry) Add(t *Target) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := t.Key()
	if _, exists := r.targets[key]; exists {
		return fmt.Errorf("target already exists: %s", key)
	}
	r.targets[key] = t

	r.logger.Info("target added", "key", key)
	return nil
}

// Remove drops a target from the index. The caller is responsible for
// stopping monitoring and tearing down any live session first.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[key]; !exists {
		return false
	}
	delete(r.targets, key)

	r.logger.Info("target removed", "key", key)
	return true
}

// List returns all registered targets
func (r *Registry) List() []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Target, 0, len(r.targets))
	for _, t := range r.targets {
		result = append(result, t)
	}
	return result
}
