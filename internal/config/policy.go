package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadPolicy builds the memory policy: defaults, then MEMORY_POLICY_FILE if
// set, then the SCORE_WEIGHT_* and RETRIEVAL_* env overrides.
func LoadPolicy() (domain.Policy, error) {
	p := domain.DefaultPolicy()

	if path := PolicyFile(); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("read policy file: %w", err)
		}
		if p, err = ParsePolicy(data); err != nil {
			return p, fmt.Errorf("policy file %s: %w", path, err)
		}
	}

	overrides := []struct {
		key string
		dst *float64
	}{
		{"SCORE_WEIGHT_RECENCY", &p.Weights.Recency},
		{"SCORE_WEIGHT_FREQUENCY", &p.Weights.Frequency},
		{"SCORE_WEIGHT_SOURCE", &p.Weights.Source},
		{"SCORE_WEIGHT_UNIQUENESS", &p.Weights.Uniqueness},
		{"RETRIEVAL_ALPHA", &p.Retrieval.Alpha},
		{"RETRIEVAL_BETA", &p.Retrieval.Beta},
	}
	for _, o := range overrides {
		raw := os.Getenv(o.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return p, fmt.Errorf("%s: %w", o.key, err)
		}
		*o.dst = v
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// ParsePolicy layers a YAML document over the default policy. Fields the
// document leaves out keep their defaults, including fields of a layer that
// is only partly specified.
func ParsePolicy(data []byte) (domain.Policy, error) {
	p := domain.DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, err
	}

	// yaml replaces whole map values, so layers are decoded again one by one
	// on top of their defaults.
	var raw struct {
		Layers map[string]yaml.Node `yaml:"layers"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return p, err
	}
	defaults := domain.DefaultPolicy().Layers
	for name, node := range raw.Layers {
		if !domain.ValidLayer(name) {
			return p, fmt.Errorf("unknown layer %q", name)
		}
		l := domain.Layer(name)
		lp := defaults[l]
		if err := node.Decode(&lp); err != nil {
			return p, fmt.Errorf("layer %s: %w", name, err)
		}
		p.Layers[l] = lp
	}
	for src := range p.SourceBoost {
		if !domain.ValidSource(string(src)) {
			return p, fmt.Errorf("unknown source %q in source_boost", src)
		}
	}
	return p, nil
}
