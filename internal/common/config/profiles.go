package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a named bundle of mission defaults. Missions created with a
// config_profile inherit these values for any field they leave unset.
type Profile struct {
	Name          string `yaml:"name"`
	Agent         string `yaml:"agent"`
	Backend       string `yaml:"backend"`
	ModelOverride string `yaml:"modelOverride"`

	// SharedNetwork is echoed into mission metadata only; the core attaches
	// no behavior to it.
	SharedNetwork bool `yaml:"sharedNetwork"`
}

// Profiles maps profile name to profile.
type Profiles map[string]Profile

// LoadProfiles reads the mission profile file. A missing path returns an
// empty set rather than an error so the server runs without one.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return Profiles{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profiles{}, nil
		}
		return nil, fmt.Errorf("read profiles file: %w", err)
	}

	var file struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profiles file: %w", err)
	}

	out := make(Profiles, len(file.Profiles))
	for _, p := range file.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profiles file %s: profile with empty name", path)
		}
		out[p.Name] = p
	}
	return out, nil
}

// Get returns the named profile, or false when undefined.
func (p Profiles) Get(name string) (Profile, bool) {
	profile, ok := p[name]
	return profile, ok
}
