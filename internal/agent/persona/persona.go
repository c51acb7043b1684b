// Package persona defines the operating profiles a session can run under.
// A persona fixes the system prompt and the subset of tools the model may
// call. Switching personas swaps those for all subsequent iterations but
// never rewrites the transcript.
package persona

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Persona is an immutable operating profile. Loaded once, never mutated;
// the loop controller swaps a pointer to the active one.
type Persona struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	AllowedTools []string `yaml:"allowed_tools"` // empty means all registered tools
}

// Allows reports whether the persona permits calling the named tool.
func (p *Persona) Allows(toolName string) bool {
	if len(p.AllowedTools) == 0 {
		return true
	}
	for _, name := range p.AllowedTools {
		if name == toolName {
			return true
		}
	}
	return false
}

// Validate checks the required fields.
func (p *Persona) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("persona missing id")
	}
	if p.SystemPrompt == "" {
		return fmt.Errorf("persona %s missing system_prompt", p.ID)
	}
	return nil
}

// Parse decodes a persona from YAML.
func Parse(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse persona: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Builtins returns the personas available without any configuration files.
// User-provided files with matching IDs override these.
func Builtins() []*Persona {
	return []*Persona{
		{
			ID:           "general",
			Name:         "General Assistant",
			SystemPrompt: "You are a capable general-purpose assistant. Use the available tools when they help, and answer directly when they do not. Be concise and concrete.",
		},
		{
			ID:           "code",
			Name:         "Software Engineer",
			SystemPrompt: "You are an expert software engineer. Read code before changing it, prefer small verifiable edits, and run commands to confirm your assumptions instead of guessing.",
			AllowedTools: []string{"list_files", "read_file", "write_file", "shell", "fetch", "switch_persona"},
		},
		{
			ID:           "network",
			Name:         "Network Operator",
			SystemPrompt: "You are a network operations assistant. Diagnose connectivity and service issues methodically, starting from the least invasive checks.",
			AllowedTools: []string{"shell", "fetch", "read_file", "switch_persona"},
		},
		{
			ID:           "system",
			Name:         "System Administrator",
			SystemPrompt: "You are a system administrator. Inspect before you modify, and explain the effect of every state-changing command before running it.",
			AllowedTools: []string{"list_files", "read_file", "write_file", "delete_file", "shell", "switch_persona"},
		},
		{
			ID:           "security",
			Name:         "Security Reviewer",
			SystemPrompt: "You are a security reviewer. You only inspect and report; you never modify files or credentials. Flag risky findings with their exact location.",
			AllowedTools: []string{"list_files", "read_file", "fetch", "switch_persona"},
		},
	}
}
