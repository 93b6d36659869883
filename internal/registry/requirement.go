package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Requirement is one caller-issued demand: "I need an instance of this
// model". Selections resolve abstract services inside the instantiated
// tree; explicit selections override automatically-inferred ones.
type Requirement struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`

	// Selections maps a service (or role) name to the concrete model the
	// caller wants for it.
	Selections map[string]string `yaml:"selections"`

	Arguments map[string]string `yaml:"arguments"`

	// Deployment, when set, names the deployment the root task must bind
	// to. DeploymentHint is a regular expression matched against
	// candidate process-local names when several deployments qualify.
	Deployment     string `yaml:"deployment"`
	DeploymentHint string `yaml:"deployment_hint"`

	Mission   bool `yaml:"mission"`
	Permanent bool `yaml:"permanent"`
}

// Equal reports whether two requirements demand the same thing. Used for
// staleness detection by the asynchronous wrapper.
func (q Requirement) Equal(other Requirement) bool {
	if q.Name != other.Name || q.Model != other.Model ||
		q.Deployment != other.Deployment || q.DeploymentHint != other.DeploymentHint ||
		q.Mission != other.Mission || q.Permanent != other.Permanent {
		return false
	}
	return stringMapEqual(q.Selections, other.Selections) &&
		stringMapEqual(q.Arguments, other.Arguments)
}

// RequirementsEqual compares two requirement sets order-insensitively by
// requirement name.
func RequirementsEqual(a, b []Requirement) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]Requirement(nil), a...)
	bs := append([]Requirement(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i].Name < as[j].Name })
	sort.Slice(bs, func(i, j int) bool { return bs[i].Name < bs[j].Name })
	for i := range as {
		if !as[i].Equal(bs[i]) {
			return false
		}
	}
	return true
}

// ParseRequirements reads a requirement list from YAML bytes.
func ParseRequirements(data []byte) ([]Requirement, error) {
	var doc struct {
		Requirements []Requirement `yaml:"requirements"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse requirements: %w", err)
	}
	seen := make(map[string]bool, len(doc.Requirements))
	for _, q := range doc.Requirements {
		if q.Name == "" {
			return nil, fmt.Errorf("requirement with empty name")
		}
		if q.Model == "" {
			return nil, fmt.Errorf("requirement %s: model is required", q.Name)
		}
		if seen[q.Name] {
			return nil, fmt.Errorf("duplicate requirement %s", q.Name)
		}
		seen[q.Name] = true
	}
	return doc.Requirements, nil
}

// LoadRequirements reads a requirement list from a YAML file.
func LoadRequirements(path string) ([]Requirement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requirements: %w", err)
	}
	return ParseRequirements(data)
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
