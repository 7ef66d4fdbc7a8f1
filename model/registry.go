package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Registry manages model selection based on pipeline roles.
// It maps roles to preferred endpoints with fallback chains.
type Registry struct {
	mu        sync.RWMutex
	roles     map[Role]*RoleConfig
	endpoints map[string]*EndpointConfig
	health    *healthState
}

// RoleConfig defines endpoint preferences and sampling settings for a role.
type RoleConfig struct {
	// Preferred lists endpoint names in order of preference.
	// The first available endpoint is used.
	Preferred []string `json:"preferred" yaml:"preferred"`

	// Fallback lists backup endpoints if all preferred fail.
	Fallback []string `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	// Temperature controls randomness for this role. nil uses the endpoint default.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// MaxTokens limits response length for this role. 0 uses the endpoint default.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (gemini, openai, ollama, anthropic).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	// It is also the key used for pricing.
	Model string `json:"model" yaml:"model"`

	// APIKeyEnv names the environment variable holding the credential.
	// Empty means the endpoint needs no credential (local Ollama, mock-llm).
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// NewRegistry creates a new model registry with the given configuration.
func NewRegistry(roles map[Role]*RoleConfig, endpoints map[string]*EndpointConfig) *Registry {
	if roles == nil {
		roles = make(map[Role]*RoleConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		roles:     roles,
		endpoints: endpoints,
	}
}

// Float64 returns a pointer to v, for literal temperatures.
func Float64(v float64) *float64 {
	return &v
}

// NewDefaultRegistry creates a registry with the Gemini flash/pro split
// the pipeline was tuned on: fast deterministic cataloging and routing,
// a stronger model with a little slack for the audit narrative.
func NewDefaultRegistry() *Registry {
	return &Registry{
		roles: map[Role]*RoleConfig{
			RoleCataloger: {
				Preferred:   []string{"gemini-flash"},
				Temperature: Float64(0),
				MaxTokens:   8192,
			},
			RoleRouter: {
				Preferred:   []string{"gemini-flash"},
				Temperature: Float64(0),
				MaxTokens:   2048,
			},
			RoleAuditor: {
				Preferred:   []string{"gemini-pro"},
				Fallback:    []string{"gemini-flash"},
				Temperature: Float64(0.2),
				MaxTokens:   4096,
			},
		},
		endpoints: map[string]*EndpointConfig{
			"gemini-flash": {
				Provider:  "gemini",
				Model:     "gemini-1.5-flash",
				APIKeyEnv: "GOOGLE_API_KEY",
				MaxTokens: 1000000,
			},
			"gemini-pro": {
				Provider:  "gemini",
				Model:     "gemini-1.5-pro",
				APIKeyEnv: "GOOGLE_API_KEY",
				MaxTokens: 2000000,
			},
		},
	}
}

// Resolve returns the preferred endpoint name for a role.
// Returns empty if the role has no endpoints.
func (r *Registry) Resolve(role Role) string {
	chain := r.GetFallbackChain(role)
	if len(chain) == 0 {
		return ""
	}
	return chain[0]
}

// GetFallbackChain returns all endpoint names for a role in order of preference.
func (r *Registry) GetFallbackChain(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.roles[role]
	if !ok {
		return nil
	}
	chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
	chain = append(chain, cfg.Preferred...)
	chain = append(chain, cfg.Fallback...)
	return chain
}

// RoleSettings returns a copy of the configuration for a role.
// The boolean is false if the role is not configured.
func (r *Registry) RoleSettings(role Role) (RoleConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.roles[role]
	if !ok {
		return RoleConfig{}, false
	}
	out := *cfg
	out.Preferred = append([]string(nil), cfg.Preferred...)
	out.Fallback = append([]string(nil), cfg.Fallback...)
	if cfg.Temperature != nil {
		out.Temperature = Float64(*cfg.Temperature)
	}
	return out, true
}

// ModelFor returns the provider model identifier of the preferred endpoint
// for a role. Used for logging and cost attribution when no call was made.
func (r *Registry) ModelFor(role Role) string {
	ep := r.GetEndpoint(r.Resolve(role))
	if ep == nil {
		return ""
	}
	return ep.Model
}

// GetEndpoint returns the endpoint configuration for an endpoint name.
// Returns nil if the endpoint is not configured.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetRole updates or adds a role configuration.
func (r *Registry) SetRole(role Role, cfg *RoleConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roles == nil {
		r.roles = make(map[Role]*RoleConfig)
	}
	r.roles[role] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// ListRoles returns all configured roles, sorted.
func (r *Registry) ListRoles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]Role, 0, len(r.roles))
	for role := range r.roles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// ListEndpoints returns all configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every pipeline role resolves to at least one
// configured endpoint and that every referenced endpoint exists.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, role := range Roles() {
		cfg, ok := r.roles[role]
		if !ok || len(cfg.Preferred)+len(cfg.Fallback) == 0 {
			return fmt.Errorf("role %s has no endpoints", role)
		}
		for _, name := range append(append([]string(nil), cfg.Preferred...), cfg.Fallback...) {
			ep, ok := r.endpoints[name]
			if !ok {
				return fmt.Errorf("role %s references unknown endpoint %q", role, name)
			}
			if ep.Provider == "" || ep.Model == "" {
				return fmt.Errorf("endpoint %q requires provider and model", name)
			}
		}
		if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
			return fmt.Errorf("role %s temperature must be between 0 and 2", role)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(struct {
		Roles     map[Role]*RoleConfig       `json:"roles"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
	}{
		Roles:     r.roles,
		Endpoints: r.endpoints,
	})
}

// UnmarshalJSON implements json.Unmarshaler for the registry.
func (r *Registry) UnmarshalJSON(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tmp struct {
		Roles     map[Role]*RoleConfig       `json:"roles"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}

	r.roles = tmp.Roles
	r.endpoints = tmp.Endpoints
	return nil
}
