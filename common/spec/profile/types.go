// Package profile defines the versioned persona document for a Rusuban
// deployment.
//
// The profile is the YAML file an operator writes once to describe how the
// responder should answer while they are away. Its values are seeds: on
// startup they are copied into the settings store only where no value exists
// yet, and from then on the store is authoritative and runtime-editable.
package profile

// SpecVersion is the API version string required in every profile document.
const SpecVersion = "rusuban/v1"

// Profile is the root type for a persona document.
type Profile struct {
	// APIVersion must be "rusuban/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Metadata holds descriptive metadata.
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Persona defines the reply-generation defaults.
	Persona Persona `yaml:"persona,omitempty" json:"persona,omitempty"`
}

// Metadata holds descriptive information about a profile.
type Metadata struct {
	// Name identifies the deployment (used in logs only).
	Name string `yaml:"name" json:"name"`

	// Description is a human-readable note about the profile's purpose.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Persona defines how replies are generated.
type Persona struct {
	// SystemPrompt is the leading system message for every completion.
	SystemPrompt string `yaml:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`

	// Model is the completion model identifier.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// BaseURL points the provider client at an OpenAI-compatible endpoint.
	// Empty means the default OpenAI API.
	BaseURL string `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
}

// SettingsDefaults maps the persona document onto settings-store key/value
// pairs. Only non-empty fields are included, so seeding never plants a blank
// where the store should fall back to its defaults.
func (p *Profile) SettingsDefaults() map[string]string {
	defaults := make(map[string]string)
	if p.Persona.SystemPrompt != "" {
		defaults["system_prompt"] = p.Persona.SystemPrompt
	}
	if p.Persona.Model != "" {
		defaults["openai_model"] = p.Persona.Model
	}
	if p.Persona.BaseURL != "" {
		defaults["openai_base_url"] = p.Persona.BaseURL
	}
	return defaults
}
