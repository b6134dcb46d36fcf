package featureflags

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownFlag = errors.New("unknown feature flag")
	ErrSchema      = errors.New("invalid flag definition")
	// ErrConfig marks a definition that validated but cannot be evaluated,
	// e.g. experiment variants that do not add up to 100.
	ErrConfig     = errors.New("flag configuration error")
	ErrNotCanary  = errors.New("flag is not a canary")
	ErrFinalStage = errors.New("canary already at final stage")
)

type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrSchema, e.Field, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

var requiredFields = []string{"enabled", "type", "description"}

// ValidateRaw checks key presence on an untyped definition, where a missing
// "enabled" is distinguishable from false.
func ValidateRaw(raw map[string]json.RawMessage) error {
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return &SchemaError{Field: field, Reason: "is required"}
		}
	}
	return nil
}

func Validate(def *Definition) error {
	if def.Key == "" {
		return &SchemaError{Field: "key", Reason: "is required"}
	}
	if def.Type == "" {
		return &SchemaError{Field: "type", Reason: "is required"}
	}
	if !def.Type.Valid() {
		return &SchemaError{Field: "type", Reason: fmt.Sprintf("%q is not one of boolean, canary, experiment, config", def.Type)}
	}
	if def.Description == "" {
		return &SchemaError{Field: "description", Reason: "is required"}
	}
	if def.Percentage < 0 || def.Percentage > 100 {
		return &SchemaError{Field: "percentage", Reason: "must be between 0 and 100"}
	}
	for env, o := range def.Environments {
		if o.Percentage != nil && (*o.Percentage < 0 || *o.Percentage > 100) {
			return &SchemaError{Field: "environments." + env + ".percentage", Reason: "must be between 0 and 100"}
		}
	}

	switch def.Type {
	case TypeCanary:
		if len(def.Stages) == 0 {
			return &SchemaError{Field: "stages", Reason: "are required for canary flags"}
		}
		for i, stage := range def.Stages {
			if stage.Percentage < 0 || stage.Percentage > 100 {
				return &SchemaError{Field: fmt.Sprintf("stages[%d].percentage", i), Reason: "must be between 0 and 100"}
			}
		}
		if def.CurrentStage < 0 || def.CurrentStage >= len(def.Stages) {
			return &SchemaError{Field: "currentStage", Reason: "is out of range"}
		}
	case TypeExperiment:
		if len(def.Variants) == 0 {
			return &SchemaError{Field: "variants", Reason: "are required for experiment flags"}
		}
		seen := make(map[string]bool, len(def.Variants))
		for _, v := range def.Variants {
			if v.Percentage < 0 {
				return &SchemaError{Field: "variants." + v.Name, Reason: "percentage must not be negative"}
			}
			if seen[v.Name] {
				return &SchemaError{Field: "variants." + v.Name, Reason: "is declared twice"}
			}
			seen[v.Name] = true
		}
		if sum := def.Variants.Sum(); sum != 100 {
			return &SchemaError{Field: "variants", Reason: fmt.Sprintf("percentages sum to %d, expected 100", sum)}
		}
	}
	return nil
}
