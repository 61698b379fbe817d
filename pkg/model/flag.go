package model

import "encoding/json"

const (
	StateEnabled  = "ENABLED"
	StateDisabled = "DISABLED"
)

// Flag is a single entry of a remote configuration payload, keyed by full flag name.
type Flag struct {
	State          string          `json:"state" yaml:"state"`
	DefaultVariant string          `json:"defaultVariant,omitempty" yaml:"defaultVariant,omitempty"`
	Variants       map[string]any  `json:"variants" yaml:"variants"`
	Targeting      json.RawMessage `json:"targeting,omitempty" yaml:"-"`
	Metadata       Metadata        `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Key            string          `json:"-" yaml:"-"`
}

// Flags is the wire shape of a remote configuration payload.
type Flags struct {
	Version string          `json:"version,omitempty"`
	Flags   map[string]Flag `json:"flags"`
}

type Metadata = map[string]interface{}
