package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/providers"
)

// Registry loads plugins from <dir>/<name>/manifest.yaml and caches them
// for the life of the process.
type Registry struct {
	mu      sync.Mutex
	dir     string
	config  Config
	logger  zerolog.Logger
	plugins map[string]*Plugin
}

// NewRegistry creates a registry rooted at dir.
func NewRegistry(dir string, cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:     dir,
		config:  cfg,
		logger:  logger,
		plugins: make(map[string]*Plugin),
	}
}

// Load returns the named plugin, instantiating it on first use. Its
// signature matches providers.Loader.
func (r *Registry) Load(ctx context.Context, name string) (providers.Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.plugins[name]; ok {
		return p, nil
	}
	if !pluginName.MatchString(name) {
		return nil, fmt.Errorf("plugin name %q is invalid", name)
	}

	manifest, err := LoadManifest(filepath.Join(r.dir, name, ManifestFile))
	if err != nil {
		return nil, err
	}
	if manifest.Name != name {
		return nil, fmt.Errorf("manifest in %s declares plugin %q", filepath.Join(r.dir, name), manifest.Name)
	}

	wasmModule, err := os.ReadFile(manifest.WasmPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}

	p, err := NewPlugin(ctx, manifest, wasmModule, r.config, r.logger)
	if err != nil {
		return nil, err
	}
	r.plugins[name] = p
	return p, nil
}

// Loaded lists the names of instantiated plugins.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}

// Close closes every loaded plugin.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, p := range r.plugins {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("plugin %s: %w", name, err)
		}
		delete(r.plugins, name)
	}
	return firstErr
}
