package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Bridge calls the JSON entry points exported by a plugin module.
//
// Every entry point has the signature fn(ptr, len u32) u64. The input is a
// JSON document written into memory obtained from the module's malloc; the
// result packs (output_ptr << 32) | output_len.
type Bridge struct {
	// wazero module instances are not safe for concurrent calls.
	mu sync.Mutex

	memory     api.Memory
	malloc     api.Function
	free       api.Function
	validate   api.Function
	contribute api.Function
	timeout    time.Duration
}

// response is the envelope every entry point returns. An empty object
// means success with nothing to report.
type response struct {
	Error      string `json:"error,omitempty"`
	MissingKey string `json:"missing_key,omitempty"`
	engine.Contribution
}

// NewBridge resolves the required exports.
func NewBridge(module api.Module, timeout time.Duration) (*Bridge, error) {
	b := &Bridge{memory: module.Memory(), timeout: timeout}
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	for name, fn := range map[string]*api.Function{
		"malloc":              &b.malloc,
		"free":                &b.free,
		"provider_validate":   &b.validate,
		"provider_contribute": &b.contribute,
	} {
		if *fn = module.ExportedFunction(name); *fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
	}
	return b, nil
}

// Validate calls provider_validate.
func (b *Bridge) Validate(ctx context.Context, pc engine.ProviderContext) error {
	resp, err := b.call(ctx, b.validate, "provider_validate", pc)
	if err != nil {
		return err
	}
	return resp.err(pc.Backend)
}

// Contribute calls provider_contribute.
func (b *Bridge) Contribute(ctx context.Context, pc engine.ProviderContext) (*engine.Contribution, error) {
	resp, err := b.call(ctx, b.contribute, "provider_contribute", pc)
	if err != nil {
		return nil, err
	}
	if err := resp.err(pc.Backend); err != nil {
		return nil, err
	}
	return &resp.Contribution, nil
}

func (r *response) err(backend string) error {
	switch {
	case r.MissingKey != "":
		err := engine.MissingConfigKey(r.MissingKey)
		if r.Error != "" {
			err.Message = r.Error
		}
		return err
	case r.Error != "":
		return engine.NewValidationError(fmt.Sprintf("%s volume provider: %s", backend, r.Error), nil).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	return nil
}

func (b *Bridge) call(ctx context.Context, fn api.Function, name string, in any) (*response, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s input: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	ptr, err := b.allocate(ctx, uint32(len(input)))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
	}
	defer b.deallocate(ctx, ptr)

	if !b.memory.Write(ptr, input) {
		return nil, fmt.Errorf("failed to write input to WASM memory")
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", name)
	}

	outPtr, outLen := uint32(results[0]>>32), uint32(results[0])
	var resp response
	if outLen == 0 {
		return &resp, nil
	}

	output, ok := b.memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("%s returned an out of range buffer", name)
	}
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s output: %w", name, err)
	}
	b.deallocate(ctx, outPtr)
	return &resp, nil
}

func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (b *Bridge) deallocate(ctx context.Context, ptr uint32) {
	// Output was already copied; a failing free only leaks guest memory.
	_, _ = b.free.Call(ctx, uint64(ptr))
}
