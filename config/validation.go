package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if !cfg.Metadata.InMemory && cfg.Metadata.Dir == "" {
		return fmt.Errorf("metadata.dir: required unless metadata.in_memory is set")
	}

	groups := cfg.Tablet.Groups
	if groups[0].FromGeneration > cfg.Tablet.Generation {
		return fmt.Errorf("tablet.groups[0]: history starts at generation %d after current generation %d",
			groups[0].FromGeneration, cfg.Tablet.Generation)
	}
	for i := 1; i < len(groups); i++ {
		if groups[i].FromGeneration <= groups[i-1].FromGeneration {
			return fmt.Errorf("tablet.groups[%d]: from_generation %d must be greater than %d",
				i, groups[i].FromGeneration, groups[i-1].FromGeneration)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
