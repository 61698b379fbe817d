package model

import "errors"

var (
	ErrDuplicateFlag        = errors.New("flag already registered")
	ErrFlagNotFound         = errors.New("flag not found")
	ErrInvalidName          = errors.New("invalid flag name")
	ErrFlagBound            = errors.New("flag is bound to another runtime")
	ErrPersistence          = errors.New("persistence failure")
	ErrInvalidOverride      = errors.New("invalid override value")
	ErrFetchTimeout         = errors.New("configuration fetch timed out")
	ErrFetchTransport       = errors.New("configuration fetch failed")
	ErrInvalidConfiguration = errors.New("invalid configuration payload")
	ErrAlreadySetup         = errors.New("runtime already set up")
	ErrNotSetup             = errors.New("runtime not set up")
)

// reason and error codes
const (
	StaticReason         = "STATIC"
	TargetingMatchReason = "TARGETING_MATCH"
	DefaultReason        = "DEFAULT"
	DisabledReason       = "DISABLED"
	ErrorReason          = "ERROR"
	FrozenReason         = "FROZEN"
	OverrideReason       = "OVERRIDE"
)
