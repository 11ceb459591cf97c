// Package profile loads the executor profile from YAML.
// Supports environment variable references via ${VAR} or $VAR in values.
// Profiles are immutable snapshots: callers reload per tick instead of
// sharing a mutable instance across goroutines.
package profile

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes the coding-agent executor launched into a workspace.
type Profile struct {
	// Executor names the agent binary flavor, e.g. "claude-code".
	Executor string `yaml:"executor"`

	// Variant selects a named configuration of the executor.
	Variant string `yaml:"variant"`

	// Image is the container image the workspace starter runs.
	Image string `yaml:"image"`

	// Command overrides the image entrypoint when set.
	Command []string `yaml:"command"`

	// Env is injected into the executor container.
	// Prefer ${ANTHROPIC_API_KEY} syntax over literal secrets.
	Env map[string]string `yaml:"env"`

	// Resources bound the executor pod.
	Resources Resources `yaml:"resources"`
}

// Resources holds container resource requests.
type Resources struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

// Load reads and parses a YAML profile file, expanding env vars.
func Load(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	p, err := LoadBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	return p, nil
}

// LoadBytes parses a YAML profile from bytes (useful for testing).
func LoadBytes(data []byte) (*Profile, error) {
	expanded := expandEnvVars(string(data))

	var p Profile
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, err
	}
	applyDefaults(&p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Default returns the built-in profile used when no profile file is
// configured.
func Default() *Profile {
	p := &Profile{}
	applyDefaults(p)
	return p
}

func applyDefaults(p *Profile) {
	if p.Executor == "" {
		p.Executor = "claude-code"
	}
	if p.Variant == "" {
		p.Variant = "default"
	}
	if p.Image == "" {
		p.Image = "ghcr.io/forgeops/autodev-executor:latest"
	}
	if p.Resources.CPU == "" {
		p.Resources.CPU = "1"
	}
	if p.Resources.Memory == "" {
		p.Resources.Memory = "2Gi"
	}
}

// Validate rejects profiles that cannot launch.
func (p *Profile) Validate() error {
	if strings.ContainsAny(p.Executor, " /") {
		return fmt.Errorf("profile: invalid executor name %q", p.Executor)
	}
	if p.Image == "" {
		return fmt.Errorf("profile: image must be set")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}|\$[A-Za-z_][A-Za-z0-9_]*`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
