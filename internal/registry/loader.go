package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the on-disk YAML shape of a model database.
type document struct {
	TaskModels   []*TaskModel        `yaml:"task_models"`
	Compositions []*CompositionModel `yaml:"compositions"`
	Devices      []*DeviceModel      `yaml:"devices"`
	Deployments  []*Deployment       `yaml:"deployments"`
}

// Parse builds a registry from YAML bytes and validates it.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse model registry: %w", err)
	}

	r := &Registry{
		TaskModels:   make(map[string]*TaskModel),
		Compositions: make(map[string]*CompositionModel),
		Devices:      make(map[string]*DeviceModel),
		Deployments:  make(map[string]*Deployment),
		providers:    make(map[string][]string),
	}
	for _, m := range doc.TaskModels {
		if _, dup := r.TaskModels[m.Name]; dup {
			return nil, fmt.Errorf("duplicate task model %s", m.Name)
		}
		r.TaskModels[m.Name] = m
		for _, svc := range m.Provides {
			r.providers[svc] = append(r.providers[svc], m.Name)
		}
	}
	for _, c := range doc.Compositions {
		if _, dup := r.Compositions[c.Name]; dup {
			return nil, fmt.Errorf("duplicate composition %s", c.Name)
		}
		if _, dup := r.TaskModels[c.Name]; dup {
			return nil, fmt.Errorf("composition %s collides with a task model name", c.Name)
		}
		r.Compositions[c.Name] = c
	}
	for _, d := range doc.Devices {
		if _, dup := r.Devices[d.Name]; dup {
			return nil, fmt.Errorf("duplicate device %s", d.Name)
		}
		r.Devices[d.Name] = d
	}
	for _, d := range doc.Deployments {
		if _, dup := r.Deployments[d.Name]; dup {
			return nil, fmt.Errorf("duplicate deployment %s", d.Name)
		}
		r.Deployments[d.Name] = d
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFile reads and parses a model registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry: %w", err)
	}
	return Parse(data)
}
