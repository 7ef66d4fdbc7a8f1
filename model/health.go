package model

import (
	"sync"
	"time"
)

// EndpointHealth tracks the health status of a model endpoint.
type EndpointHealth struct {
	// Available indicates if the endpoint is currently usable.
	Available bool `json:"available"`

	LastSuccess time.Time `json:"last_success,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the circuit breaker has tripped.
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the health tracking behavior.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long to wait before trying a failed endpoint again.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns defaults for health tracking. A long audit
// run makes a few hundred calls, so a tripped endpoint is retried after a
// minute rather than abandoned for the rest of the run.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
	}
}

type healthState struct {
	mu       sync.Mutex
	config   HealthConfig
	now      func() time.Time
	statuses map[string]*EndpointHealth
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		now:      time.Now,
		statuses: make(map[string]*EndpointHealth),
	}
}

// state returns the registry health tracker, creating it on first use.
func (r *Registry) state() *healthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		r.health = newHealthState(DefaultHealthConfig())
	}
	return r.health
}

// MarkEndpointSuccess records a successful request and closes the circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.statuses[name]
	if status == nil {
		status = &EndpointHealth{}
		h.statuses[name] = status
	}
	status.LastSuccess = h.now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

// MarkEndpointFailure records a failed request, opening the circuit once
// the failure threshold is reached.
func (r *Registry) MarkEndpointFailure(name string) {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.statuses[name]
	if status == nil {
		status = &EndpointHealth{Available: true}
		h.statuses[name] = status
	}
	status.LastFailure = h.now()
	status.FailureCount++

	if status.FailureCount >= h.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = h.now()
		status.Available = false
	}
}

// IsEndpointAvailable reports whether an endpoint may receive requests.
// An open circuit becomes half-open once the recovery timeout has passed.
func (r *Registry) IsEndpointAvailable(name string) bool {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()

	status, ok := h.statuses[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	return h.now().Sub(status.CircuitOpenedAt) > h.config.RecoveryTimeout
}

// GetEndpointHealth returns a copy of the health status for an endpoint.
// Returns nil if no request has been recorded for it.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()

	status, ok := h.statuses[name]
	if !ok {
		return nil
	}
	cp := *status
	return &cp
}

// GetAvailableFallbackChain returns the role's chain filtered to endpoints
// whose circuit is closed or half-open. If every endpoint is tripped the
// full chain is returned so the call is still attempted.
func (r *Registry) GetAvailableFallbackChain(role Role) []string {
	chain := r.GetFallbackChain(role)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig updates the health tracking configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
}

// ResetEndpointHealth clears the health status for an endpoint.
func (r *Registry) ResetEndpointHealth(name string) {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}
