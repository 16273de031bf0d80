package schema

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"nestwrite/internal/naming"
)

// Document is the on-disk schema format.
type Document struct {
	Naming naming.Config `yaml:"naming"`
	Models []Model       `yaml:"models"`
}

// Load reads a YAML schema document from path and builds a Registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes a YAML schema document and builds a Registry. Unknown keys
// are rejected.
func Parse(data []byte) (*Registry, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("schema declares no models")
	}
	return Build(doc.Models, WithNamer(naming.New(doc.Naming)))
}
