package feeders

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// TomlFeeder reads a TOML file into a structure. Fields match by `toml`
// tag; duration fields accept strings like "30s".
type TomlFeeder struct {
	Path string
}

// NewTomlFeeder creates a TomlFeeder reading from the given file.
func NewTomlFeeder(path string) TomlFeeder {
	return TomlFeeder{Path: path}
}

// Feed decodes the file into structure.
func (f TomlFeeder) Feed(structure any) error {
	var raw map[string]any
	if _, err := toml.DecodeFile(f.Path, &raw); err != nil {
		return fmt.Errorf("parsing toml config %s: %w", f.Path, err)
	}
	return decode(raw, structure, "toml")
}

// FeedKey decodes a single top-level key of the file into target.
func (f TomlFeeder) FeedKey(key string, target any) error {
	var raw map[string]any
	if _, err := toml.DecodeFile(f.Path, &raw); err != nil {
		return fmt.Errorf("parsing toml config %s: %w", f.Path, err)
	}
	value, ok := raw[key]
	if !ok {
		return nil
	}
	return decode(value, target, "toml")
}
