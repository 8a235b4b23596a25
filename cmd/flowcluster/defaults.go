package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/internal/files"
	"gopkg.in/yaml.v3"
)

const defaultsFileName = "flowcluster.yaml"

// loadDefaults builds the global configuration layer.
// With no explicit path, the defaults file is searched from dir upward; not finding one is fine.
// Each of sets is a key=value pair applied on top of the file.
func loadDefaults(path, dir string, sets []string) (flow.Props, string, error) {
	if path == "" {
		found, err := files.FindUp(defaultsFileName, dir)
		if err != nil {
			return nil, "", fmt.Errorf("searching for %s: %w", defaultsFileName, err)
		}
		path = found
	}

	props := flow.Props{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("reading defaults file: %w", err)
		}
		props, err = parseDefaults(b)
		if err != nil {
			return nil, "", fmt.Errorf("parsing defaults file %s: %w", path, err)
		}
	}

	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, "", fmt.Errorf("invalid --set %q, expected key=value", s)
		}
		props[k] = strings.TrimSpace(v)
	}
	return props, path, nil
}

// parseDefaults reads a YAML document of properties.
// Nested maps are flattened with dots, so "cluster: {env: {name: qa}}" sets cluster.env.name.
func parseDefaults(b []byte) (flow.Props, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	props := flow.Props{}
	if err := flatten("", doc, props); err != nil {
		return nil, err
	}
	return props, nil
}

func flatten(prefix string, m map[string]any, out flow.Props) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := m[k].(type) {
		case map[string]any:
			if err := flatten(key, v, out); err != nil {
				return err
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, e := range v {
				if _, nested := e.(map[string]any); nested {
					return fmt.Errorf("key %s: lists of maps are not supported", key)
				}
				parts = append(parts, fmt.Sprint(e))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return nil
}
