// Package bus hosts the user extension surface of a runtime: custom properties, the
// dynamic property rule handler, impression and fetch reporting, and the isolation
// boundary that keeps failures in user code away from flag reads and fetches.
package bus

import (
	"fmt"
	"maps"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagsync/pkg/eval"
	"github.com/open-feature/flagsync/pkg/metrics"
	"github.com/open-feature/flagsync/pkg/model"
)

type (
	PropertyGenerator          func(ctx model.EvaluationContext) (any, error)
	DynamicPropertyRuleHandler func(propName string, ctx model.EvaluationContext) (any, error)
	ImpressionHandler          func(reporting model.Reporting, ctx model.EvaluationContext)
	FetchedHandler             func(result model.FetcherResult)
	UnhandledErrorHandler      func(trigger model.ErrorTrigger, err error)
)

// CustomProperty is either a constant Value or a Generator invoked on every evaluation
// that references the property.
type CustomProperty struct {
	Name      string
	Kind      model.Kind
	Value     any
	Generator PropertyGenerator
}

type Bus struct {
	mu          sync.RWMutex
	properties  map[string]CustomProperty
	builtins    map[string]any
	dynamicRule DynamicPropertyRuleHandler
	impression  ImpressionHandler
	fetched     FetchedHandler
	unhandled   UnhandledErrorHandler

	metrics *metrics.Recorder
	logger  *log.Entry
}

func New(rec *metrics.Recorder, logger *log.Entry) *Bus {
	if rec == nil {
		rec = metrics.New(nil)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Bus{
		properties: map[string]CustomProperty{},
		builtins:   map[string]any{},
		metrics:    rec,
		logger:     logger.WithField("component", "bus"),
	}
}

// SetCustomProperty registers or replaces a custom property.
func (b *Bus) SetCustomProperty(p CustomProperty) error {
	if p.Name == "" {
		return fmt.Errorf("custom property name cannot be empty")
	}
	if p.Generator == nil {
		v, ok := normalize(p.Kind, p.Value)
		if !ok {
			return fmt.Errorf("custom property %s: value %v is not a %s", p.Name, p.Value, p.Kind)
		}
		p.Value = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.properties[p.Name] = p
	return nil
}

// SetBuiltin registers a property owned by the runtime itself, such as platform details.
// Custom properties with the same name take precedence.
func (b *Bus) SetBuiltin(name string, value map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builtins[name] = maps.Clone(value)
}

func (b *Bus) SetDynamicPropertyRuleHandler(h DynamicPropertyRuleHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dynamicRule = h
}

func (b *Bus) SetImpressionHandler(h ImpressionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.impression = h
}

func (b *Bus) SetConfigurationFetchedHandler(h FetchedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetched = h
}

func (b *Bus) SetUnhandledErrorHandler(h UnhandledErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unhandled = h
}

// Properties returns a resolver bound to one evaluation context.
func (b *Bus) Properties(ctx model.EvaluationContext) eval.PropertyResolver {
	return &contextProperties{bus: b, ctx: ctx}
}

// ReportImpression hands one impression to the impression handler.
func (b *Bus) ReportImpression(reporting model.Reporting, reason string, ctx model.EvaluationContext) {
	b.metrics.Impressions.WithLabelValues(reason).Inc()

	b.mu.RLock()
	h := b.impression
	b.mu.RUnlock()
	if h == nil {
		return
	}
	_ = b.Isolate(model.ImpressionHandler, func() error {
		h(reporting, ctx)
		return nil
	})
}

// ReportFetched hands a completed fetch result to the configuration fetched handler.
func (b *Bus) ReportFetched(result model.FetcherResult) {
	b.mu.RLock()
	h := b.fetched
	b.mu.RUnlock()
	if h == nil {
		return
	}
	_ = b.Isolate(model.ConfigurationFetchedHandler, func() error {
		h(result)
		return nil
	})
}

// Isolate runs fn, converting a panic into an error. Any error is routed to the unhandled
// error handler and returned.
func (b *Bus) Isolate(trigger model.ErrorTrigger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			b.UnhandledError(trigger, err)
		}
	}()
	return fn()
}

// UnhandledError forwards err to the user's unhandled error handler. A handler that panics
// is swallowed.
func (b *Bus) UnhandledError(trigger model.ErrorTrigger, err error) {
	b.metrics.IsolatedErrors.WithLabelValues(string(trigger)).Inc()
	b.logger.WithField("trigger", trigger).Warnf("isolated error: %v", err)

	b.mu.RLock()
	h := b.unhandled
	b.mu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("trigger", trigger).Errorf("unhandled error handler panicked: %v", r)
		}
	}()
	h(trigger, err)
}

type contextProperties struct {
	bus *Bus
	ctx model.EvaluationContext
}

// Property resolves a targeting property: custom property, then builtin, then the dynamic
// property rule handler, which defaults to reading the evaluation context.
func (p *contextProperties) Property(name string) (any, bool) {
	b := p.bus
	b.mu.RLock()
	prop, isCustom := b.properties[name]
	builtin, isBuiltin := b.builtins[name]
	dynamic := b.dynamicRule
	b.mu.RUnlock()

	if isCustom {
		if prop.Generator == nil {
			return prop.Value, true
		}
		var v any
		err := b.Isolate(model.CustomPropertyGenerator, func() error {
			generated, err := prop.Generator(p.ctx)
			if err != nil {
				return fmt.Errorf("custom property %s: %w", name, err)
			}
			normalized, ok := normalize(prop.Kind, generated)
			if !ok {
				return fmt.Errorf("custom property %s: generated %v is not a %s", name, generated, prop.Kind)
			}
			v = normalized
			return nil
		})
		if err != nil {
			return nil, false
		}
		return v, true
	}

	if isBuiltin {
		return builtin, true
	}

	if dynamic == nil {
		v, ok := p.ctx[name]
		return v, ok && v != nil
	}
	var v any
	err := b.Isolate(model.DynamicPropertiesRule, func() error {
		var err error
		v, err = dynamic(name, p.ctx)
		if err != nil {
			return fmt.Errorf("dynamic property %s: %w", name, err)
		}
		return nil
	})
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

func normalize(kind model.Kind, v any) (any, bool) {
	value, ok := model.ValueOf(kind, v)
	if !ok {
		return nil, false
	}
	switch kind {
	case model.KindBoolean:
		return value.Bool(), true
	case model.KindNumber:
		return value.Number(), true
	default:
		return value.Str(), true
	}
}
