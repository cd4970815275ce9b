package manifest

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"evalgo.org/graphdeploy/models"
)

// Marshal serializes a manifest to compose YAML.
func Marshal(m *models.Manifest) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	return buf.String(), nil
}

// Parse reads compose YAML back into a validated manifest.
func Parse(content string) (*models.Manifest, error) {
	var m models.Manifest
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
