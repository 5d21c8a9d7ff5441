// Package stages maps a declared request stage to the model profile that serves it.
package stages

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrBadStage is returned for an explicit stage that is not configured.
	ErrBadStage = errors.New("unknown stage")

	// ErrStageDisabled is returned for a configured stage that has no model.
	ErrStageDisabled = errors.New("stage disabled")
)

// Profile is the model profile selected by a stage.
type Profile struct {
	Name        string
	Model       string
	Description string
	MaxTokens   *int
	Temperature *float64
	// Target overrides the upstream base URL for this stage. Empty means the default upstream.
	Target string
}

// Enabled reports whether the stage can serve traffic.
func (p Profile) Enabled() bool {
	return p.Model != ""
}

// Resolver is an immutable stage table built once at startup.
type Resolver struct {
	profiles     map[string]Profile
	defaultStage string
}

// NewResolver builds a resolver from the given profiles. The default stage must exist and be enabled.
func NewResolver(profiles []Profile, defaultStage string) (*Resolver, error) {
	m := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if p.Name == "" {
			return nil, errors.New("stage profile without a name")
		}
		if _, dup := m[p.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", p.Name)
		}
		m[p.Name] = p
	}

	def, ok := m[defaultStage]
	if !ok {
		return nil, fmt.Errorf("default stage %q is not configured", defaultStage)
	}
	if !def.Enabled() {
		return nil, fmt.Errorf("default stage %q has no model", defaultStage)
	}

	return &Resolver{profiles: m, defaultStage: defaultStage}, nil
}

// Resolve returns the profile for an explicit stage, or the default stage when explicit is empty.
// An unknown explicit stage never falls back to the default.
func (r *Resolver) Resolve(explicit string) (Profile, error) {
	name := explicit
	if name == "" {
		name = r.defaultStage
	}

	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (valid stages: %v)", ErrBadStage, name, r.enabledStages())
	}
	if !p.Enabled() {
		return Profile{}, fmt.Errorf("%w: %q (valid stages: %v)", ErrStageDisabled, name, r.enabledStages())
	}
	return p, nil
}

// DefaultStage returns the name used when no stage is declared.
func (r *Resolver) DefaultStage() string {
	return r.defaultStage
}

// Stages returns all configured stage names, sorted.
func (r *Resolver) Stages() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Resolver) enabledStages() []string {
	names := make([]string, 0, len(r.profiles))
	for _, name := range r.Stages() {
		if r.profiles[name].Enabled() {
			names = append(names, name)
		}
	}
	return names
}
