package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configFormat picks the decoder for a config file. The extension decides;
// anything else is sniffed, with a leading '{' meaning JSON.
func configFormat(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	}
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
		return "json"
	}
	return "yaml"
}

// toJSON returns the config as JSON so one strict decoder serves both
// formats. YAML must have a mapping at the top level.
func toJSON(name string, data []byte) ([]byte, string, error) {
	format := configFormat(name, data)
	if format == "json" {
		return data, format, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, format, fmt.Errorf("%s: %w", name, err)
	}
	if len(doc.Content) == 0 {
		return []byte("{}"), format, nil
	}
	if root := doc.Content[0]; root.Kind != yaml.MappingNode {
		return nil, format, fmt.Errorf("%s:%d: top level must be a mapping of sections (logging, engine, dispatch, ...)", name, root.Line)
	}
	var v any
	if err := doc.Decode(&v); err != nil {
		return nil, format, fmt.Errorf("%s: %w", name, err)
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, format, fmt.Errorf("%s: convert yaml: %w", name, err)
	}
	return j, format, nil
}

// normalizeYAML turns non-string map keys (owner ids, numeric keys) into
// strings so the tree can be marshaled as JSON.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
