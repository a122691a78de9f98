package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name inside a plugin directory.
const ManifestFile = "manifest.yaml"

var pluginName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Manifest describes an out-of-tree storage backend compiled to WASM.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`

	// Entrypoint is the WASM module path, relative to the manifest.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the hex sha256 of the WASM module. Optional.
	Checksum string `yaml:"checksum,omitempty"`

	// RequiredSettings are checked by the host, in order, before the module
	// is called.
	RequiredSettings []string `yaml:"required_settings,omitempty"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if !pluginName.MatchString(m.Name) {
		return fmt.Errorf("plugin name %q is invalid", m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if m.Checksum != "" {
		if b, err := hex.DecodeString(m.Checksum); err != nil || len(b) != sha256.Size {
			return fmt.Errorf("checksum must be a hex sha256 digest")
		}
	}
	return nil
}

// WasmPath resolves the entrypoint against the manifest directory.
func (m *Manifest) WasmPath() string {
	if filepath.IsAbs(m.Entrypoint) || m.Path == "" {
		return m.Entrypoint
	}
	return filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
}

// VerifyChecksum compares the module digest with the manifest. A manifest
// without a checksum accepts any module.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Checksum == "" {
		return nil
	}
	hash := sha256.Sum256(wasmModule)
	if computed := hex.EncodeToString(hash[:]); computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}
