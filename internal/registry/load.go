package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk YAML layout of the registry.
type catalogFile struct {
	Extensions []struct {
		Extension string `yaml:"extension"`
		Name      string `yaml:"name"`
	} `yaml:"extensions"`
	Contexts []struct {
		AsteriskName string `yaml:"asterisk_name"`
		DisplayName  string `yaml:"display_name"`
	} `yaml:"contexts"`
}

// Load reads a YAML catalog from path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML catalog bytes.
func Parse(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}

	exts := make([]Extension, 0, len(file.Extensions))
	for _, e := range file.Extensions {
		exts = append(exts, Extension{ID: e.Extension, DisplayName: e.Name})
	}
	ctxs := make([]Context, 0, len(file.Contexts))
	for _, c := range file.Contexts {
		ctxs = append(ctxs, Context{ProtocolName: c.AsteriskName, DisplayName: c.DisplayName})
	}

	reg, err := New(exts, ctxs)
	if err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}
	return reg, nil
}
