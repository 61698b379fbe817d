package model

import (
	"maps"
	"time"
)

type FetcherStatus string

const (
	AppliedFromEmbedded FetcherStatus = "APPLIED_FROM_EMBEDDED"
	AppliedFromCache    FetcherStatus = "APPLIED_FROM_CACHE"
	AppliedFromNetwork  FetcherStatus = "APPLIED_FROM_NETWORK"
	ErrorFetchFailed    FetcherStatus = "ERROR_FETCH_FAILED"
)

// FetcherResult is reported once per completed fetch attempt.
type FetcherResult struct {
	Status       FetcherStatus `json:"fetcherStatus"`
	CreationDate time.Time     `json:"creationDate"`
	HasChanges   bool          `json:"hasChanges"`
	ErrorDetails string        `json:"errorDetails,omitempty"`
}

// Source is the provenance of a configuration. Sources are ordered, Network being the freshest.
type Source int

const (
	SourceNone Source = iota
	SourceEmbedded
	SourceCache
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceEmbedded:
		return "embedded"
	case SourceCache:
		return "cache"
	case SourceNetwork:
		return "network"
	}
	return "none"
}

func (s Source) Status() FetcherStatus {
	switch s {
	case SourceEmbedded:
		return AppliedFromEmbedded
	case SourceCache:
		return AppliedFromCache
	case SourceNetwork:
		return AppliedFromNetwork
	}
	return ErrorFetchFailed
}

type FetchTrigger string

const (
	TriggerSetup     FetchTrigger = "setup"
	TriggerExplicit  FetchTrigger = "explicit"
	TriggerScheduled FetchTrigger = "scheduled"
	TriggerWatch     FetchTrigger = "watch"
)

type ErrorTrigger string

const (
	DynamicPropertiesRule       ErrorTrigger = "DYNAMIC_PROPERTIES_RULE"
	ConfigurationFetchedHandler ErrorTrigger = "CONFIGURATION_FETCHED_HANDLER"
	ImpressionHandler           ErrorTrigger = "IMPRESSION_HANDLER"
	CustomPropertyGenerator     ErrorTrigger = "CUSTOM_PROPERTY_GENERATOR"
	FlagResolution              ErrorTrigger = "FLAG_RESOLUTION"
)

// Reporting is the impression emitted for every flag read.
type Reporting struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Targeting bool   `json:"targeting"`
}

// EvaluationContext carries caller attributes used by targeting rules and property generators.
type EvaluationContext map[string]any

// Merge returns a new context with other layered over c.
func (c EvaluationContext) Merge(other EvaluationContext) EvaluationContext {
	merged := make(EvaluationContext, len(c)+len(other))
	maps.Copy(merged, c)
	maps.Copy(merged, other)
	return merged
}
