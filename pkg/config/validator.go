package config

import (
	"errors"
	"fmt"
)

// Validator performs cross-component validation on loaded configuration.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every validation pass and returns the collected failures.
func (v *Validator) ValidateAll() error {
	var errs []error

	errs = append(errs, v.validateRuntime()...)
	errs = append(errs, v.validateProviders()...)
	errs = append(errs, v.validateModels()...)
	errs = append(errs, v.validateMCPServers()...)
	errs = append(errs, v.validateDefaults()...)
	errs = append(errs, v.validateSessionStore()...)

	return errors.Join(errs...)
}

func (v *Validator) validateRuntime() []error {
	var errs []error
	rt := v.cfg.Runtime

	if rt.MaxConcurrency < 1 {
		errs = append(errs, NewValidationError("runtime", "max_concurrency", "",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, rt.MaxConcurrency)))
	}
	if rt.ContextWarnPercent <= 0 || rt.ContextWarnPercent >= 100 {
		errs = append(errs, NewValidationError("runtime", "context_warn_percent", "",
			fmt.Errorf("%w: must be in (0, 100), got %v", ErrInvalidValue, rt.ContextWarnPercent)))
	}
	if rt.ContextStopPercent <= rt.ContextWarnPercent || rt.ContextStopPercent > 100 {
		errs = append(errs, NewValidationError("runtime", "context_stop_percent", "",
			fmt.Errorf("%w: must be in (warn, 100], got %v", ErrInvalidValue, rt.ContextStopPercent)))
	}
	if rt.Queue != nil {
		if rt.Queue.WorkerCount < 1 {
			errs = append(errs, NewValidationError("runtime", "queue", "worker_count",
				fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, rt.Queue.WorkerCount)))
		}
		if rt.Queue.MaxConcurrentRuns < rt.Queue.WorkerCount {
			errs = append(errs, NewValidationError("runtime", "queue", "max_concurrent_runs",
				fmt.Errorf("%w: must be >= worker_count", ErrInvalidValue)))
		}
	}

	return errs
}

func (v *Validator) validateProviders() []error {
	var errs []error

	for _, name := range v.cfg.ProviderRegistry.Names() {
		p, _ := v.cfg.ProviderRegistry.Get(name)
		switch p.Type {
		case ProviderTypeAnthropic:
			if p.APIKeyEnv == "" {
				errs = append(errs, NewValidationError("llm_provider", name, "api_key_env",
					ErrMissingRequiredField))
			}
		case ProviderTypeMock:
			// No required fields.
		default:
			errs = append(errs, NewValidationError("llm_provider", name, "type",
				fmt.Errorf("%w: %q", ErrInvalidValue, p.Type)))
		}
	}

	return errs
}

func (v *Validator) validateModels() []error {
	var errs []error

	for _, id := range v.cfg.ModelRegistry.ModelIDs() {
		m, _ := v.cfg.ModelRegistry.Get(id)
		if m.Provider == "" {
			errs = append(errs, NewValidationError("model", id, "provider", ErrMissingRequiredField))
		} else if _, err := v.cfg.ProviderRegistry.Get(m.Provider); err != nil {
			errs = append(errs, NewValidationError("model", id, "provider",
				fmt.Errorf("%w: provider %q", ErrInvalidReference, m.Provider)))
		}
		if m.ContextWindow <= 0 {
			errs = append(errs, NewValidationError("model", id, "context_window",
				fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
		}
		if m.MaxOutputTokens <= 0 {
			errs = append(errs, NewValidationError("model", id, "max_output_tokens",
				fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
		}
		if m.EscalationTarget != "" && !v.cfg.ModelRegistry.Has(m.EscalationTarget) {
			errs = append(errs, NewValidationError("model", id, "escalation_target",
				fmt.Errorf("%w: model %q", ErrInvalidReference, m.EscalationTarget)))
		}
	}

	return errs
}

func (v *Validator) validateMCPServers() []error {
	var errs []error

	for _, id := range v.cfg.MCPServerRegistry.ServerIDs() {
		server, _ := v.cfg.MCPServerRegistry.Get(id)
		switch server.Transport.Type {
		case TransportTypeStdio:
			if server.Transport.Command == "" {
				errs = append(errs, NewValidationError("mcp_server", id, "transport.command",
					ErrMissingRequiredField))
			}
		case TransportTypeHTTP, TransportTypeSSE:
			if server.Transport.URL == "" {
				errs = append(errs, NewValidationError("mcp_server", id, "transport.url",
					ErrMissingRequiredField))
			}
		default:
			errs = append(errs, NewValidationError("mcp_server", id, "transport.type",
				fmt.Errorf("%w: %q", ErrInvalidValue, server.Transport.Type)))
		}
	}

	return errs
}

func (v *Validator) validateDefaults() []error {
	var errs []error
	d := v.cfg.Defaults

	if d.Model != "" && !v.cfg.ModelRegistry.Has(d.Model) {
		errs = append(errs, NewValidationError("defaults", "model", "",
			fmt.Errorf("%w: model %q", ErrInvalidReference, d.Model)))
	}
	if d.Provider != "" {
		if _, err := v.cfg.ProviderRegistry.Get(d.Provider); err != nil {
			errs = append(errs, NewValidationError("defaults", "provider", "",
				fmt.Errorf("%w: provider %q", ErrInvalidReference, d.Provider)))
		}
	}

	return errs
}

func (v *Validator) validateSessionStore() []error {
	var errs []error
	s := v.cfg.SessionStore

	switch s.Backend {
	case SessionStoreFile:
		// Directory is created on first use.
	case SessionStoreRedis:
		if s.RedisAddr == "" {
			errs = append(errs, NewValidationError("session_store", "redis", "redis_addr",
				ErrMissingRequiredField))
		}
	default:
		errs = append(errs, NewValidationError("session_store", string(s.Backend), "backend",
			fmt.Errorf("%w: %q", ErrInvalidValue, s.Backend)))
	}

	return errs
}
