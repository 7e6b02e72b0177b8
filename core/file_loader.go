package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// FileRawConfigLoader reads a JSON or YAML config file. The format follows
// the extension; anything other than .yaml or .yml is parsed as JSON. An
// empty Path yields an empty map.
type FileRawConfigLoader struct {
	Path string
}

func (l FileRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("core: read config %s: %w", path, err)
	}
	out := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("core: parse yaml config %s: %w", path, err)
		}
		normalized, ok := normalizeYAML(doc).(map[string]any)
		if doc != nil && !ok {
			return nil, fmt.Errorf("core: yaml config %s must be a mapping", path)
		}
		for key, value := range normalized {
			out[key] = value
		}
	default:
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("core: parse json config %s: %w", path, err)
		}
	}
	return out, nil
}

// normalizeYAML turns every mapping into map[string]any.
func normalizeYAML(in any) any {
	switch typed := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[fmt.Sprint(key)] = normalizeYAML(value)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			out[key] = normalizeYAML(value)
		}
		return out
	case []any:
		for i := range typed {
			typed[i] = normalizeYAML(typed[i])
		}
		return typed
	default:
		return in
	}
}
