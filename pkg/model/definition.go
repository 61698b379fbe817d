package model

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindBoolean Kind = iota
	KindString
	KindNumber
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FreezeLevel controls how long the first resolved value of a flag stays locked.
type FreezeLevel string

const (
	FreezeNone            FreezeLevel = "none"
	FreezeUntilForeground FreezeLevel = "untilForeground"
	FreezeUntilLaunch     FreezeLevel = "untilLaunch"
)

// ParseFreezeLevel accepts the level names case-insensitively. The empty string is FreezeNone.
func ParseFreezeLevel(s string) (FreezeLevel, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return FreezeNone, nil
	case "untilforeground":
		return FreezeUntilForeground, nil
	case "untillaunch":
		return FreezeUntilLaunch, nil
	}
	return FreezeNone, fmt.Errorf("unknown freeze level %q", s)
}

// FlagDefinition is the registered identity of a flag. It is never mutated after registration.
type FlagDefinition struct {
	Namespace     string
	Name          string
	Kind          Kind
	DefaultValue  Value
	AllowedValues []Value
	FreezeLevel   FreezeLevel

	// Dynamic definitions are created by the dynamic API and take remote values immediately.
	Dynamic bool
	// Seq is the registration sequence number assigned by the registry.
	Seq uint64
	// Key is the full flag name, assigned by the registry.
	Key string
}

func (d FlagDefinition) FullName() string {
	return FullName(d.Namespace, d.Name)
}

// Allows reports whether v satisfies the definition's kind and allowed value set.
func (d FlagDefinition) Allows(v Value) bool {
	if v.Kind() != d.Kind {
		return false
	}
	if d.Kind == KindBoolean || len(d.AllowedValues) == 0 {
		return true
	}
	for _, allowed := range d.AllowedValues {
		if allowed.Equal(v) {
			return true
		}
	}
	return false
}

// FullName joins a namespace and a flag name the way overrides and payloads address flags.
func FullName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

// SplitName is the inverse of FullName; the namespace is everything before the last dot.
func SplitName(fullName string) (namespace, name string) {
	i := strings.LastIndex(fullName, ".")
	if i < 0 {
		return "", fullName
	}
	return fullName[:i], fullName[i+1:]
}
