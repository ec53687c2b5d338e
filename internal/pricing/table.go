package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Price is the per-million-token price of a model. A zero Markup means the
// calculator's default markup applies.
type Price struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
	Markup float64 `yaml:"markup,omitempty"`
}

// Table maps exact model names to prices
type Table map[string]Price

// Clone returns a copy of t
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// File is the YAML layout of a pricing override file:
//
//	markup: 1.3
//	fallback: gpt-4o-mini
//	models:
//	  gpt-4o: {input: 2.5, output: 10}
type File struct {
	Markup   float64 `yaml:"markup"`
	Fallback string  `yaml:"fallback"`
	Models   Table   `yaml:"models"`
}

// LoadFile reads a pricing file. Environment variables in the form ${VAR}
// are expanded before parsing.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("pricing: parse file: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate rejects negative prices and markups
func (f *File) Validate() error {
	if f.Markup < 0 {
		return fmt.Errorf("pricing: markup must not be negative")
	}
	for name, p := range f.Models {
		if p.Input < 0 || p.Output < 0 || p.Markup < 0 {
			return fmt.Errorf("pricing: model %q: prices must not be negative", name)
		}
	}
	if f.Fallback != "" && len(f.Models) > 0 {
		if _, ok := f.Models[f.Fallback]; !ok {
			if _, ok := DefaultTable()[f.Fallback]; !ok {
				return fmt.Errorf("pricing: fallback model %q has no price", f.Fallback)
			}
		}
	}
	return nil
}

// Options converts the file into calculator options. File entries are
// merged over the default table.
func (f *File) Options() []Option {
	table := DefaultTable()
	for name, p := range f.Models {
		table[name] = p
	}

	opts := []Option{WithTable(table)}
	if f.Markup > 0 {
		opts = append(opts, WithMarkup(f.Markup))
	}
	if f.Fallback != "" {
		opts = append(opts, WithFallbackModel(f.Fallback))
	}
	return opts
}
