// Package featureflags holds flag definitions, the registry that resolves
// them per environment, and the evaluator that decides a flag for a user.
package featureflags

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeBoolean    Type = "boolean"
	TypeCanary     Type = "canary"
	TypeExperiment Type = "experiment"
	TypeConfig     Type = "config"
)

func (t Type) Valid() bool {
	switch t {
	case TypeBoolean, TypeCanary, TypeExperiment, TypeConfig:
		return true
	}
	return false
}

type Stage struct {
	Name            string `json:"name"`
	Percentage      int    `json:"percentage"`
	DurationMinutes int    `json:"durationMinutes"`
}

type Variant struct {
	Name        string `json:"name"`
	Percentage  int    `json:"percentage"`
	Description string `json:"description,omitempty"`
}

// Variants keeps experiment arms in declaration order. On the wire it is an
// object keyed by variant name, whose values are either a percentage or
// {"percentage": n, "description": "..."}.
type Variants []Variant

func (v Variants) Sum() int {
	total := 0
	for _, variant := range v {
		total += variant.Percentage
	}
	return total
}

func (v Variants) Has(name string) bool {
	for _, variant := range v {
		if variant.Name == name {
			return true
		}
	}
	return false
}

func (v Variants) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, variant := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(variant.Name)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(struct {
			Percentage  int    `json:"percentage"`
			Description string `json:"description,omitempty"`
		}{variant.Percentage, variant.Description})
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (v *Variants) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("variants must be an object")
	}

	out := Variants{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("variant name must be a string")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		variant := Variant{Name: name}
		if err := json.Unmarshal(raw, &variant.Percentage); err != nil {
			var body struct {
				Percentage  int    `json:"percentage"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("variant %q: %w", name, err)
			}
			variant.Percentage = body.Percentage
			variant.Description = body.Description
		}
		out = append(out, variant)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*v = out
	return nil
}

// Override is a per-environment patch. Nil fields leave the base untouched.
type Override struct {
	Enabled    *bool       `json:"enabled,omitempty"`
	Percentage *int        `json:"percentage,omitempty"`
	Value      interface{} `json:"value,omitempty"`
}

type Definition struct {
	Key            string              `json:"key"`
	Type           Type                `json:"type"`
	Description    string              `json:"description"`
	Enabled        bool                `json:"enabled"`
	Percentage     int                 `json:"percentage"`
	TargetUsers    []string            `json:"targetUsers"`
	Value          interface{}         `json:"value,omitempty"`
	Environments   map[string]Override `json:"environments,omitempty"`
	Stages         []Stage             `json:"stages,omitempty"`
	CurrentStage   int                 `json:"currentStage"`
	StageStartedAt *time.Time          `json:"stageStartedAt,omitempty"`
	Variants       Variants            `json:"variants,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Clone returns a deep copy; the registry never hands out its own storage.
func (d Definition) Clone() Definition {
	cp := d
	if d.TargetUsers != nil {
		cp.TargetUsers = append([]string(nil), d.TargetUsers...)
	}
	if d.Stages != nil {
		cp.Stages = append([]Stage(nil), d.Stages...)
	}
	if d.Variants != nil {
		cp.Variants = append(Variants(nil), d.Variants...)
	}
	if d.Environments != nil {
		cp.Environments = make(map[string]Override, len(d.Environments))
		for env, o := range d.Environments {
			if o.Enabled != nil {
				v := *o.Enabled
				o.Enabled = &v
			}
			if o.Percentage != nil {
				v := *o.Percentage
				o.Percentage = &v
			}
			cp.Environments[env] = o
		}
	}
	if d.StageStartedAt != nil {
		t := *d.StageStartedAt
		cp.StageStartedAt = &t
	}
	return cp
}

// CurrentStageDef returns the active canary stage, or nil for other types.
func (d *Definition) CurrentStageDef() *Stage {
	if d.Type != TypeCanary || len(d.Stages) == 0 {
		return nil
	}
	i := d.CurrentStage
	if i < 0 {
		i = 0
	}
	if i >= len(d.Stages) {
		i = len(d.Stages) - 1
	}
	stage := d.Stages[i]
	return &stage
}

func (d *Definition) IsTargeted(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range d.TargetUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// ControlVariant is the safe default arm: "control" when declared,
// otherwise the first variant.
func (d *Definition) ControlVariant() string {
	if d.Variants.Has("control") {
		return "control"
	}
	if len(d.Variants) > 0 {
		return d.Variants[0].Name
	}
	return ""
}
