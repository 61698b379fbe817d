// Package resolver turns a registered flag definition and an evaluation context into the
// value in force: frozen value, then override, then the active configuration, then the
// flag's default.
package resolver

import (
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagsync/pkg/bus"
	"github.com/open-feature/flagsync/pkg/eval"
	"github.com/open-feature/flagsync/pkg/fetcher"
	"github.com/open-feature/flagsync/pkg/freeze"
	"github.com/open-feature/flagsync/pkg/metrics"
	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/override"
)

// Snapshotter exposes the active configuration snapshot.
type Snapshotter interface {
	Active() *fetcher.Snapshot
}

type Resolver struct {
	active    Snapshotter
	overrides *override.Store
	freeze    *freeze.Controller
	bus       *bus.Bus
	metrics   *metrics.Recorder
	logger    *log.Entry

	global atomic.Pointer[model.EvaluationContext]
}

func New(active Snapshotter, overrides *override.Store, fc *freeze.Controller, b *bus.Bus, rec *metrics.Recorder, logger *log.Entry) *Resolver {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if rec == nil {
		rec = metrics.New(nil)
	}
	r := &Resolver{
		active:    active,
		overrides: overrides,
		freeze:    fc,
		bus:       b,
		metrics:   rec,
		logger:    logger.WithField("component", "resolver"),
	}
	r.global.Store(&model.EvaluationContext{})
	return r
}

// SetContext replaces the global context merged under every call's context.
func (r *Resolver) SetContext(ctx model.EvaluationContext) {
	merged := model.EvaluationContext{}.Merge(ctx)
	r.global.Store(&merged)
}

func (r *Resolver) Context() model.EvaluationContext {
	return *r.global.Load()
}

// Resolve returns the value in force for def and emits one impression. It never fails:
// internal errors are reported through the bus and the default value is returned.
func (r *Resolver) Resolve(def model.FlagDefinition, ctx model.EvaluationContext) (value model.Value) {
	merged := r.Context().Merge(ctx)
	var res eval.Result

	defer func() {
		if rec := recover(); rec != nil {
			r.bus.UnhandledError(model.FlagResolution, fmt.Errorf("resolving %s: %v", def.FullName(), rec))
			res = eval.Result{Value: def.DefaultValue, Reason: model.ErrorReason}
			value = def.DefaultValue
		}
		r.bus.ReportImpression(model.Reporting{
			Name:      def.FullName(),
			Value:     value.String(),
			Targeting: res.Targeting,
		}, res.Reason, merged)
	}()

	res = r.resolve(def, merged)
	return res.Value
}

// maxCaptureAttempts bounds how often resolve recomputes a value whose capture lost a race
// with an override change.
const maxCaptureAttempts = 3

func (r *Resolver) resolve(def model.FlagDefinition, ctx model.EvaluationContext) eval.Result {
	key := def.FullName()
	var res eval.Result
	for attempt := 0; attempt < maxCaptureAttempts; attempt++ {
		generation := r.freeze.Generation(key)
		res = r.evaluate(def, ctx)
		if res.Reason == model.FrozenReason {
			return res
		}
		captured, ok := r.freeze.CaptureAt(def, res.Value, generation)
		if !ok {
			continue
		}
		if !captured.Equal(res.Value) {
			return eval.Result{Value: captured, Reason: model.FrozenReason}
		}
		return res
	}
	r.logger.WithField("flag", key).Debug("flag kept changing while resolving, value not frozen")
	return res
}

// OriginalValue resolves def while ignoring freeze state and overrides. It neither
// captures a frozen value nor emits an impression.
func (r *Resolver) OriginalValue(def model.FlagDefinition, ctx model.EvaluationContext) (value model.Value) {
	defer func() {
		if rec := recover(); rec != nil {
			r.bus.UnhandledError(model.FlagResolution, fmt.Errorf("resolving original %s: %v", def.FullName(), rec))
			value = def.DefaultValue
		}
	}()
	return r.remote(def, r.Context().Merge(ctx)).Value
}

func (r *Resolver) evaluate(def model.FlagDefinition, ctx model.EvaluationContext) eval.Result {
	key := def.FullName()

	if v, ok := r.freeze.Get(key); ok {
		return eval.Result{Value: v, Reason: model.FrozenReason}
	}

	if raw, ok := r.overrides.Get(key); ok {
		v, err := model.ParseValue(def.Kind, raw)
		if err == nil {
			return eval.Result{Value: v, Reason: model.OverrideReason}
		}
		r.metrics.Overrides.Inc()
		r.bus.UnhandledError(model.FlagResolution, fmt.Errorf("override for %s: %w", key, err))
	}

	return r.remote(def, ctx)
}

func (r *Resolver) remote(def model.FlagDefinition, ctx model.EvaluationContext) eval.Result {
	fallback := eval.Result{Value: def.DefaultValue, Reason: model.DefaultReason}

	snap := r.active.Active()
	if snap == nil || snap.Configuration == nil {
		return fallback
	}
	// flags registered after the snapshot was applied wait for the next fetch
	if !def.Dynamic && def.Seq > snap.Seq {
		return fallback
	}

	res, ok, err := snap.Configuration.Evaluate(def, r.bus.Properties(ctx))
	if err != nil {
		r.bus.UnhandledError(model.FlagResolution, fmt.Errorf("evaluating %s: %w", def.FullName(), err))
		return fallback
	}
	if !ok {
		if res.Reason == model.DisabledReason {
			fallback.Reason = model.DisabledReason
		}
		return fallback
	}
	return res
}
