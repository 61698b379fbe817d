package eval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/diegoholiveira/jsonlogic/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/open-feature/flagsync/pkg/model"
)

var schemaLoader = gojsonschema.NewStringLoader(configurationSchema)

// PropertyResolver supplies the value of a targeting property, reporting false when the
// property is unknown.
type PropertyResolver interface {
	Property(name string) (any, bool)
}

// Configuration is an immutable snapshot of a remote configuration payload. A new fetch
// produces a new Configuration; existing ones are never modified.
type Configuration struct {
	Source    model.Source
	FetchedAt time.Time
	Version   string
	Hash      uint64

	raw   []byte
	flags map[string]model.Flag
	vars  map[string][]string // property names referenced by each flag's targeting
}

// Result is the outcome of evaluating one flag against a configuration.
type Result struct {
	Value     model.Value
	Targeting bool
	Reason    string
}

// Parse validates and decodes a configuration payload.
func Parse(raw []byte, source model.Source, fetchedAt time.Time) (*Configuration, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidConfiguration, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidConfiguration, strings.Join(msgs, "; "))
	}

	var payload model.Flags
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidConfiguration, err)
	}

	c := &Configuration{
		Source:    source,
		FetchedAt: fetchedAt,
		Version:   payload.Version,
		Hash:      xxhash.Sum64(raw),
		raw:       raw,
		flags:     make(map[string]model.Flag, len(payload.Flags)),
		vars:      map[string][]string{},
	}
	for key, flag := range payload.Flags {
		flag.Key = key
		if len(flag.Targeting) > 0 && string(flag.Targeting) != "{}" {
			if !jsonlogic.IsValid(bytes.NewReader(flag.Targeting)) {
				return nil, fmt.Errorf("%w: invalid targeting for flag %s", model.ErrInvalidConfiguration, key)
			}
			var rule any
			if err := json.Unmarshal(flag.Targeting, &rule); err != nil {
				return nil, fmt.Errorf("%w: targeting for flag %s: %v", model.ErrInvalidConfiguration, key, err)
			}
			c.vars[key] = referencedProperties(rule)
		} else {
			flag.Targeting = nil
		}
		c.flags[key] = flag
	}
	return c, nil
}

// Raw returns the payload the configuration was parsed from.
func (c *Configuration) Raw() []byte {
	return c.raw
}

func (c *Configuration) Len() int {
	return len(c.flags)
}

// Has reports whether the payload carries an entry for the full flag name.
func (c *Configuration) Has(key string) bool {
	_, ok := c.flags[key]
	return ok
}

// Evaluate resolves def against the configuration. It reports false when the configuration
// has no applicable value for the flag, including values of the wrong kind or outside the
// flag's allowed values. A disabled flag reports false with DisabledReason set.
func (c *Configuration) Evaluate(def model.FlagDefinition, props PropertyResolver) (Result, bool, error) {
	flag, ok := c.flags[def.FullName()]
	if !ok {
		return Result{}, false, nil
	}
	if flag.State == model.StateDisabled {
		return Result{Reason: model.DisabledReason}, false, nil
	}

	if flag.Targeting != nil {
		variant, err := c.target(flag, props)
		if err != nil {
			return Result{}, false, err
		}
		// a variant the flag does not define counts as no match
		if _, known := flag.Variants[variant]; known {
			v, ok := variantValue(def, flag, variant)
			if !ok {
				return Result{}, false, nil
			}
			return Result{Value: v, Targeting: true, Reason: model.TargetingMatchReason}, true, nil
		}
	}

	if flag.DefaultVariant == "" {
		return Result{}, false, nil
	}
	v, ok := variantValue(def, flag, flag.DefaultVariant)
	if !ok {
		return Result{}, false, nil
	}
	return Result{Value: v, Reason: model.StaticReason}, true, nil
}

// target runs the flag's targeting rule and returns the selected variant, or "" when the
// rule selects nothing.
func (c *Configuration) target(flag model.Flag, props PropertyResolver) (string, error) {
	data := map[string]any{}
	if props != nil {
		for _, name := range c.vars[flag.Key] {
			if v, ok := props.Property(name); ok {
				data[name] = v
			}
		}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal targeting data for %s: %w", flag.Key, err)
	}

	out, err := jsonlogic.ApplyRaw(flag.Targeting, b)
	if err != nil {
		return "", fmt.Errorf("evaluate targeting for %s: %w", flag.Key, err)
	}

	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("decode targeting result for %s: %w", flag.Key, err)
	}
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", errors.New("targeting for " + flag.Key + " did not resolve to a variant name")
	}
}

func variantValue(def model.FlagDefinition, flag model.Flag, variant string) (model.Value, bool) {
	raw, ok := flag.Variants[variant]
	if !ok {
		return model.Value{}, false
	}
	v, ok := model.ValueOf(def.Kind, raw)
	if !ok || !def.Allows(v) {
		return model.Value{}, false
	}
	return v, true
}

// referencedProperties walks a jsonlogic rule and returns the root segment of every
// "var" reference, deduplicated.
func referencedProperties(rule any) []string {
	seen := map[string]struct{}{}
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		if i := strings.Index(name, "."); i >= 0 {
			name = name[:i]
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	var walk func(node any)
	walk = func(node any) {
		switch n := node.(type) {
		case map[string]any:
			for op, arg := range n {
				if op == "var" {
					switch a := arg.(type) {
					case string:
						add(a)
					case []any:
						if len(a) > 0 {
							if s, ok := a[0].(string); ok {
								add(s)
							}
						}
					}
					continue
				}
				walk(arg)
			}
		case []any:
			for _, item := range n {
				walk(item)
			}
		}
	}
	walk(rule)
	return names
}
