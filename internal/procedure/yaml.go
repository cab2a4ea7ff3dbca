package procedure

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is the on-disk form of a Table.
type Definition struct {
	Name    string `yaml:"name"`
	Initial StepID `yaml:"initial"`
	Steps   []Step `yaml:"steps"`
}

// Parse decodes a YAML procedure definition and validates it.
func Parse(data []byte) (*Table, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("procedure: parsing definition: %w", err)
	}
	return NewTable(def.Name, def.Initial, def.Steps...)
}

// Load reads and parses a procedure definition file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("procedure: reading %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Definition returns the table in its on-disk form.
func (t *Table) Definition() Definition {
	return Definition{Name: t.name, Initial: t.initial, Steps: t.Steps()}
}
