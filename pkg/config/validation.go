package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Pool.MinSize > cfg.Pool.MaxSize {
		return fmt.Errorf("pool: min_size (%d) exceeds max_size (%d)", cfg.Pool.MinSize, cfg.Pool.MaxSize)
	}

	if cfg.Cache.L1Size > cfg.Cache.L2Size {
		return fmt.Errorf("cache: l1_size (%d) exceeds l2_size (%d)", cfg.Cache.L1Size, cfg.Cache.L2Size)
	}

	if cfg.Admission.MaxRequestsPerClient > cfg.Admission.MaxConcurrentRequests {
		return fmt.Errorf("admission: max_requests_per_client (%d) exceeds max_concurrent_requests (%d)",
			cfg.Admission.MaxRequestsPerClient, cfg.Admission.MaxConcurrentRequests)
	}

	if cfg.Admission.CriticalQueueReserve >= cfg.Admission.MaxQueueSize {
		return fmt.Errorf("admission: critical_queue_reserve (%d) must be below max_queue_size (%d)",
			cfg.Admission.CriticalQueueReserve, cfg.Admission.MaxQueueSize)
	}

	if cfg.Locks.DefaultTimeout > cfg.Locks.MaxTimeout {
		return fmt.Errorf("locks: default_timeout (%v) exceeds max_timeout (%v)",
			cfg.Locks.DefaultTimeout, cfg.Locks.MaxTimeout)
	}

	// The two namespaces must not shadow each other
	admin := strings.TrimSuffix(cfg.Router.AdminPrefix, "/")
	dav := strings.TrimSuffix(cfg.Router.DavPrefix, "/")
	if admin == "" || dav == "" {
		return fmt.Errorf("router: prefixes must not be the root path")
	}
	if admin == dav || strings.HasPrefix(admin, dav+"/") || strings.HasPrefix(dav, admin+"/") {
		return fmt.Errorf("router: admin_prefix %q and dav_prefix %q overlap", cfg.Router.AdminPrefix, cfg.Router.DavPrefix)
	}

	if !cfg.Adapters.DAV.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == cfg.Adapters.DAV.Port {
		return fmt.Errorf("server.metrics: port %d is already used by the dav adapter", cfg.Server.Metrics.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
