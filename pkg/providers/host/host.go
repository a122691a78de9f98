// Package host runs out-of-tree storage backends compiled to WebAssembly.
// A plugin is selected with cinder.storage.provider set to "plugin:<name>".
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Config bounds plugin execution.
type Config struct {
	// Timeout bounds each call into the module.
	Timeout time.Duration

	// MemoryLimitPages is the memory limit in 64KiB pages.
	MemoryLimitPages uint32
}

// DefaultConfig returns a 30s timeout and a 64MiB memory limit, enough for
// modules built with the Go wasip1 port.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second, MemoryLimitPages: 1024}
}

// Plugin is a storage backend backed by a WASM module. It implements
// providers.Plugin.
type Plugin struct {
	manifest *Manifest
	runtime  wazero.Runtime
	bridge   *Bridge
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewPlugin instantiates wasmModule for manifest.
func NewPlugin(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg Config, logger zerolog.Logger) (*Plugin, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultConfig().MemoryLimitPages
	}
	if err := manifest.VerifyChecksum(wasmModule); err != nil {
		return nil, err
	}

	logger = logger.With().
		Str("component", "plugin").
		Str("plugin", manifest.Name).
		Str("version", manifest.Version).
		Logger()

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(hostLog(logger)).
		Export("host_log").
		Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := runtime.InstantiateWithConfig(ctx, wasmModule,
		wazero.NewModuleConfig().WithName(manifest.Name).WithStartFunctions("_initialize"))
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	bridge, err := NewBridge(module, cfg.Timeout)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	logger.Debug().Msg("Plugin loaded")
	return &Plugin{
		manifest: manifest,
		runtime:  runtime,
		bridge:   bridge,
		timeout:  cfg.Timeout,
		logger:   logger,
	}, nil
}

// hostLog lets a plugin write to the engine log: host_log(level, ptr, len)
// where level is 0 debug, 1 info, 2 warn and 3 error.
func hostLog(logger zerolog.Logger) func(context.Context, api.Module, uint32, uint32, uint32) {
	return func(_ context.Context, mod api.Module, level, ptr, length uint32) {
		msg, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return
		}
		var ev *zerolog.Event
		switch level {
		case 0:
			ev = logger.Debug()
		case 2:
			ev = logger.Warn()
		case 3:
			ev = logger.Error()
		default:
			ev = logger.Info()
		}
		ev.Msg(string(msg))
	}
}

// Name implements providers.Plugin.
func (p *Plugin) Name() string { return p.manifest.Name }

// Manifest returns the plugin manifest.
func (p *Plugin) Manifest() *Manifest { return p.manifest }

// Validate checks the manifest's required settings, then asks the module.
func (p *Plugin) Validate(pc engine.ProviderContext) error {
	if err := p.requireSettings(pc); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.bridge.Validate(ctx, pc)
}

// Contribute implements providers.Plugin.
func (p *Plugin) Contribute(ctx context.Context, pc engine.ProviderContext) (*engine.Contribution, error) {
	if err := p.requireSettings(pc); err != nil {
		return nil, err
	}
	c, err := p.bridge.Contribute(ctx, pc)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().
		Int("resources", len(c.Specs)).
		Int("notifications", len(c.Notifications)).
		Msg("Plugin contribution received")
	return c, nil
}

func (p *Plugin) requireSettings(pc engine.ProviderContext) error {
	for _, key := range p.manifest.RequiredSettings {
		if pc.Setting(key, "") == "" {
			err := engine.MissingConfigKey(key)
			err.Message = fmt.Sprintf("%s volume provider was selected, but %s was not set", p.manifest.Name, key)
			return err
		}
	}
	return nil
}

// Close releases the runtime and the module.
func (p *Plugin) Close(ctx context.Context) error {
	if err := p.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
