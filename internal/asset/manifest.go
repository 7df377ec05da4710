package asset

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk form of a catalog
type Manifest struct {
	Dir     string   `yaml:"dir"`
	Idle    string   `yaml:"idle"`
	Talking []string `yaml:"talking"`
}

// LoadManifest reads a YAML catalog. A relative dir is resolved against
// the manifest's own directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	switch {
	case m.Dir == "":
		m.Dir = base
	case !filepath.IsAbs(m.Dir):
		m.Dir = filepath.Join(base, m.Dir)
	}

	return &m, nil
}

// Catalog builds the catalog the manifest describes
func (m *Manifest) Catalog() (*Catalog, error) {
	return NewCatalog(m.Dir, m.Idle, m.Talking)
}
