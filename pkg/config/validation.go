package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/librarian/pkg/policy"
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
//
// Returns an error describing validation failures.
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
	layout, err := cfg.Layout.ToLayout()
	if err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("layout: %w", err)
	}

	name, err := policy.ParseName(cfg.Engine.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("engine.default_policy: %w", err)
	}
	if name == policy.RequestIG {
		return fmt.Errorf("engine.default_policy: %s needs a per-shelf request and cannot be the default", name)
	}

	if cfg.Engine.NodeID > 0 {
		found := false
		for _, n := range layout.Nodes {
			if n.NodeID == cfg.Engine.NodeID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("engine.node_id: node %d is not in the layout", cfg.Engine.NodeID)
		}
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == 0 {
		return fmt.Errorf("server.metrics: port is required when metrics are enabled")
	}

	if cfg.Zeroer.Enabled && cfg.Zeroer.Interval <= 0 {
		return fmt.Errorf("zeroer: interval must be positive when enabled")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
