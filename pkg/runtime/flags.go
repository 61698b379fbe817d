package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/open-feature/flagsync/pkg/model"
)

// Flag is a typed flag handle: *BooleanFlag, *StringFlag or *NumberFlag.
type Flag interface {
	handle() *flag
}

type binding struct {
	rt  *Runtime
	def model.FlagDefinition
}

type flag struct {
	template model.FlagDefinition
	bound    atomic.Pointer[binding]
	bindMu   sync.Mutex
}

func (f *flag) handle() *flag { return f }

// Name is the full flag name once registered, or the bare name before.
func (f *flag) Name() string {
	if b := f.bound.Load(); b != nil {
		return b.def.FullName()
	}
	return f.template.Name
}

// Unfreeze releases this flag's frozen value, if any.
func (f *flag) Unfreeze() {
	if b := f.bound.Load(); b != nil {
		b.rt.freeze.UnfreezeFlag(b.def.FullName())
	}
}

func (f *flag) resolve(ctx model.EvaluationContext) model.Value {
	b := f.bound.Load()
	if b == nil {
		return f.template.DefaultValue
	}
	return b.rt.resolver.Resolve(b.rt.effective(b.def), ctx)
}

type FlagOption func(*model.FlagDefinition)

// WithFreeze sets the flag's freeze level, overriding the runtime default.
func WithFreeze(level model.FreezeLevel) FlagOption {
	return func(d *model.FlagDefinition) { d.FreezeLevel = level }
}

// WithOptions restricts a string flag to the given values besides its default.
func WithOptions(values ...string) FlagOption {
	return func(d *model.FlagDefinition) {
		for _, v := range values {
			d.AllowedValues = append(d.AllowedValues, model.StringValue(v))
		}
	}
}

// WithNumberOptions restricts a number flag to the given values besides its default.
func WithNumberOptions(values ...float64) FlagOption {
	return func(d *model.FlagDefinition) {
		for _, v := range values {
			d.AllowedValues = append(d.AllowedValues, model.NumberValue(v))
		}
	}
}

func newDefinition(name string, kind model.Kind, def model.Value, opts []FlagOption) model.FlagDefinition {
	d := model.FlagDefinition{Name: name, Kind: kind, DefaultValue: def}
	for _, opt := range opts {
		opt(&d)
	}
	if len(d.AllowedValues) > 0 && !containsValue(d.AllowedValues, def) {
		d.AllowedValues = append([]model.Value{def}, d.AllowedValues...)
	}
	if kind == model.KindBoolean {
		d.AllowedValues = nil
	}
	return d
}

func containsValue(values []model.Value, v model.Value) bool {
	for _, candidate := range values {
		if candidate.Equal(v) {
			return true
		}
	}
	return false
}

type BooleanFlag struct{ flag }

func NewBooleanFlag(name string, defaultValue bool, opts ...FlagOption) *BooleanFlag {
	return &BooleanFlag{flag{template: newDefinition(name, model.KindBoolean, model.BoolValue(defaultValue), opts)}}
}

func (f *BooleanFlag) DefaultValue() bool { return f.template.DefaultValue.Bool() }

func (f *BooleanFlag) IsEnabled(ctx model.EvaluationContext) bool {
	return f.resolve(ctx).Bool()
}

type StringFlag struct{ flag }

func NewStringFlag(name, defaultValue string, opts ...FlagOption) *StringFlag {
	return &StringFlag{flag{template: newDefinition(name, model.KindString, model.StringValue(defaultValue), opts)}}
}

func (f *StringFlag) DefaultValue() string { return f.template.DefaultValue.Str() }

func (f *StringFlag) Value(ctx model.EvaluationContext) string {
	return f.resolve(ctx).Str()
}

type NumberFlag struct{ flag }

func NewNumberFlag(name string, defaultValue float64, opts ...FlagOption) *NumberFlag {
	return &NumberFlag{flag{template: newDefinition(name, model.KindNumber, model.NumberValue(defaultValue), opts)}}
}

func (f *NumberFlag) DefaultValue() float64 { return f.template.DefaultValue.Number() }

func (f *NumberFlag) Value(ctx model.EvaluationContext) float64 {
	return f.resolve(ctx).Number()
}

// Register adds flags to namespace and binds the handles to this runtime. Registration is
// atomic: on a duplicate name, an invalid name, or a handle already bound, nothing is
// registered. Flag names must not contain "." since the full name joins namespace and name
// with a dot; such names fail with model.ErrInvalidName.
func (r *Runtime) Register(namespace string, flags ...Flag) error {
	handles := make([]*flag, len(flags))
	defs := make([]model.FlagDefinition, len(flags))
	seen := make(map[*flag]bool, len(flags))
	for i, fl := range flags {
		h := fl.handle()
		if seen[h] {
			return fmt.Errorf("%w: %s passed twice", model.ErrDuplicateFlag, h.Name())
		}
		seen[h] = true
		h.bindMu.Lock()
		defer h.bindMu.Unlock()
		if h.bound.Load() != nil {
			return fmt.Errorf("%w: %s", model.ErrFlagBound, h.Name())
		}
		handles[i] = h
		defs[i] = h.template
	}

	registered, err := r.registry.Register(namespace, defs...)
	if err != nil {
		return err
	}
	for i, def := range registered {
		handles[i].bound.Store(&binding{rt: r, def: def})
	}
	return nil
}

// Flags returns every registered definition in registration order.
func (r *Runtime) Flags() []model.FlagDefinition {
	return r.registry.All()
}

// Namespace returns the definitions registered in namespace, in registration order.
func (r *Runtime) Namespace(namespace string) []model.FlagDefinition {
	return r.registry.Namespace(namespace)
}

// Resolve returns the value in force for a registered flag.
func (r *Runtime) Resolve(namespace, name string, ctx model.EvaluationContext) (model.Value, error) {
	def, err := r.registry.Lookup(namespace, name)
	if err != nil {
		return model.Value{}, err
	}
	return r.resolver.Resolve(r.effective(def), ctx), nil
}

// DynamicIsEnabled resolves a boolean flag by full name, registering it with defaultValue
// on first use. Dynamic flags take remote values without waiting for the next fetch.
func (r *Runtime) DynamicIsEnabled(fullName string, defaultValue bool, ctx model.EvaluationContext) bool {
	return r.dynamic(fullName, model.BoolValue(defaultValue), ctx).Bool()
}

func (r *Runtime) DynamicValue(fullName, defaultValue string, ctx model.EvaluationContext) string {
	return r.dynamic(fullName, model.StringValue(defaultValue), ctx).Str()
}

func (r *Runtime) DynamicNumber(fullName string, defaultValue float64, ctx model.EvaluationContext) float64 {
	return r.dynamic(fullName, model.NumberValue(defaultValue), ctx).Number()
}

func (r *Runtime) dynamic(fullName string, defaultValue model.Value, ctx model.EvaluationContext) model.Value {
	def, err := r.registry.Get(fullName)
	if err != nil {
		ns, name := model.SplitName(fullName)
		registered, regErr := r.registry.Register(ns, model.FlagDefinition{
			Name:         name,
			Kind:         defaultValue.Kind(),
			DefaultValue: defaultValue,
			Dynamic:      true,
		})
		switch {
		case regErr == nil:
			def = registered[0]
		default:
			// lost a registration race, or the name is unusable
			if def, err = r.registry.Get(fullName); err != nil {
				r.bus.UnhandledError(model.FlagResolution, regErr)
				return defaultValue
			}
		}
	}

	if def.Kind != defaultValue.Kind() {
		r.bus.UnhandledError(model.FlagResolution, fmt.Errorf("flag %s is a %s flag, not %s", fullName, def.Kind, defaultValue.Kind()))
		return defaultValue
	}
	if def.Dynamic {
		// each dynamic call site supplies its own default
		def.DefaultValue = defaultValue
	}
	return r.resolver.Resolve(r.effective(def), ctx)
}
