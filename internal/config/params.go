package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunParams are the operator-chosen parameters of one training run.
type RunParams struct {
	Dataset         string  `yaml:"dataset"`
	Name            string  `yaml:"name"`
	Epochs          int     `yaml:"epochs"`
	InputSize       int     `yaml:"input_size"`
	BatchSize       int     `yaml:"batch_size"`
	ValidationSplit float64 `yaml:"validation_split"`
}

// DefaultRunParams returns the loader defaults with no dataset or name.
func DefaultRunParams() RunParams {
	return RunParams{
		Epochs:          10,
		InputSize:       128,
		BatchSize:       32,
		ValidationSplit: 0.3,
	}
}

// LoadRunParams reads a YAML file over the defaults. Keys absent from the
// file keep their default values.
func LoadRunParams(path string) (RunParams, error) {
	p := DefaultRunParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read params: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse params %s: %w", path, err)
	}
	return p, nil
}

// Validate reports every invalid field at once.
func (p RunParams) Validate() error {
	var problems []string
	if p.Dataset == "" {
		problems = append(problems, "dataset is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.ContainsAny(p.Name, `/\`) {
		problems = append(problems, "name must not contain path separators")
	}
	if p.Epochs < 1 {
		problems = append(problems, fmt.Sprintf("epochs must be positive, got %d", p.Epochs))
	}
	if p.InputSize < 1 {
		problems = append(problems, fmt.Sprintf("input size must be positive, got %d", p.InputSize))
	}
	if p.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("batch size must be positive, got %d", p.BatchSize))
	}
	if p.ValidationSplit < 0 || p.ValidationSplit >= 1 {
		problems = append(problems, fmt.Sprintf("validation split must be in [0, 1), got %g", p.ValidationSplit))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(problems, "; "))
	}
	return nil
}

// AsMap returns the params for storing alongside a run record.
func (p RunParams) AsMap() map[string]any {
	return map[string]any{
		"dataset":          p.Dataset,
		"epochs":           p.Epochs,
		"input_size":       p.InputSize,
		"batch_size":       p.BatchSize,
		"validation_split": p.ValidationSplit,
	}
}
