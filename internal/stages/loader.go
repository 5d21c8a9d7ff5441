package stages

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	DefaultStage string                 `yaml:"default_stage"`
	Stages       map[string]stageConfig `yaml:"stages"`
}

type stageConfig struct {
	Model       *string  `yaml:"model"`
	Description string   `yaml:"description"`
	MaxTokens   *int     `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
	Target      string   `yaml:"target"`
}

// Defaults returns the built-in stage table used when no file is present.
func Defaults() ([]Profile, string) {
	intp := func(v int) *int { return &v }
	floatp := func(v float64) *float64 { return &v }

	return []Profile{
		{Name: "plan", Model: "claude-3-5-sonnet-20241022", Description: "Architect stage", MaxTokens: intp(4096), Temperature: floatp(0.7)},
		{Name: "code", Model: "deepseek-chat", Description: "Developer stage", MaxTokens: intp(16384), Temperature: floatp(0.3)},
		{Name: "review", Model: "gpt-4o-mini", Description: "Reviewer stage", MaxTokens: intp(4096), Temperature: floatp(0.2)},
		{Name: "direct", Description: "Direct mode (disabled)"},
	}, "plan"
}

// Load builds a resolver from the YAML file at path. A missing file yields the built-in defaults;
// the returned bool reports whether the defaults were used.
func Load(path string) (*Resolver, bool, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		profiles, def := Defaults()
		r, err := NewResolver(profiles, def)
		return r, true, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read stages file %s: %w", path, err)
	}

	r, err := Parse(data)
	return r, false, err
}

// Parse builds a resolver from YAML bytes.
func Parse(data []byte) (*Resolver, error) {
	data = expandEnvVars(data)

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse stages file: %w", err)
	}
	if len(fc.Stages) == 0 {
		return nil, errors.New("stages file defines no stages")
	}
	if fc.DefaultStage == "" {
		fc.DefaultStage = "plan"
	}

	profiles := make([]Profile, 0, len(fc.Stages))
	for name, sc := range fc.Stages {
		p := Profile{
			Name:        name,
			Description: sc.Description,
			MaxTokens:   sc.MaxTokens,
			Temperature: sc.Temperature,
			Target:      strings.TrimRight(sc.Target, "/"),
		}
		if sc.Model != nil {
			p.Model = *sc.Model
		}
		profiles = append(profiles, p)
	}

	return NewResolver(profiles, fc.DefaultStage)
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, def, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(name)
		if val == "" && hasDefault {
			val = def
		}
		return []byte(val)
	})
}
