// Package feeders reads configuration from files and environment
// variables into arbitrary structures.
package feeders

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YamlFeeder reads a YAML file into a structure. Values of the form
// ${NAME} or $NAME are expanded from the environment before decoding, so
// config files can reference deployment secrets without embedding them.
// Fields match by `yaml` tag; duration fields accept strings like "30s".
type YamlFeeder struct {
	Path string
}

// NewYamlFeeder creates a YamlFeeder reading from the given file.
func NewYamlFeeder(path string) YamlFeeder {
	return YamlFeeder{Path: path}
}

// Feed decodes the file into structure.
func (f YamlFeeder) Feed(structure any) error {
	raw, err := f.load()
	if err != nil {
		return err
	}
	return decode(raw, structure, "yaml")
}

// FeedKey decodes a single top-level key of the file into target.
func (f YamlFeeder) FeedKey(key string, target any) error {
	raw, err := f.load()
	if err != nil {
		return err
	}
	value, ok := raw[key]
	if !ok {
		return nil
	}
	return decode(value, target, "yaml")
}

func (f YamlFeeder) load() (map[string]any, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading yaml config %s: %w", f.Path, err)
	}
	expanded := os.Expand(string(data), func(name string) string {
		return os.Getenv(name)
	})
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parsing yaml config %s: %w", f.Path, err)
	}
	return raw, nil
}
