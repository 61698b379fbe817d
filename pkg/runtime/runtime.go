// Package runtime is the engine instance applications hold: it owns the flag registry and
// wires the fetcher, resolver, overrides, freeze controller and extension bus together.
// Runtimes are independent; a process may run several.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagsync/pkg/bus"
	"github.com/open-feature/flagsync/pkg/fetcher"
	"github.com/open-feature/flagsync/pkg/freeze"
	"github.com/open-feature/flagsync/pkg/metrics"
	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/override"
	"github.com/open-feature/flagsync/pkg/registry"
	"github.com/open-feature/flagsync/pkg/resolver"
	"github.com/open-feature/flagsync/pkg/store"
	"github.com/open-feature/flagsync/pkg/transport"
)

const (
	DefaultFetchInterval = 60
	MinFetchInterval     = 30

	builtinNamespace = "rox"
)

// Options are the setup options of a runtime.
type Options struct {
	Version             string            `mapstructure:"version"`
	Platform            string            `mapstructure:"platform"`
	DebugLevel          string            `mapstructure:"debugLevel"`
	Freeze              model.FreezeLevel `mapstructure:"freeze"`
	DisableNetworkFetch bool              `mapstructure:"disableNetworkFetch"`
	DevModeSecret       string            `mapstructure:"devModeSecret"`
	FetchIntervalInSec  int               `mapstructure:"fetchIntervalInSec"`
	FetchTimeout        time.Duration     `mapstructure:"fetchTimeout"`

	// Embedded is the configuration payload applied when neither network nor cache is usable.
	Embedded []byte `mapstructure:"-"`

	ConfigurationFetchedHandler bus.FetchedHandler             `mapstructure:"-"`
	ImpressionHandler           bus.ImpressionHandler          `mapstructure:"-"`
	DynamicPropertyRuleHandler  bus.DynamicPropertyRuleHandler `mapstructure:"-"`
}

// FetchInterval returns the effective scheduled fetch interval.
func (o Options) FetchInterval() time.Duration {
	secs := o.FetchIntervalInSec
	if secs == 0 {
		secs = DefaultFetchInterval
	}
	if secs < MinFetchInterval {
		secs = MinFetchInterval
	}
	return time.Duration(secs) * time.Second
}

type Option func(*Runtime)

// WithTransport sets the collaborator used for network fetches.
func WithTransport(t transport.Transport) Option {
	return func(r *Runtime) { r.transport = t }
}

// WithStore sets the persistent store for the configuration cache and overrides. The
// runtime does not close it.
func WithStore(s store.Store) Option {
	return func(r *Runtime) { r.store = s }
}

func WithLogger(l *log.Logger) Option {
	return func(r *Runtime) { r.baseLogger = l }
}

// WithRegisterer registers the runtime's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runtime) { r.registerer = reg }
}

type Runtime struct {
	id         string
	baseLogger *log.Logger
	logger     *log.Entry
	registerer prometheus.Registerer

	transport transport.Transport
	store     store.Store

	registry  *registry.Registry
	freeze    *freeze.Controller
	overrides *override.Store
	bus       *bus.Bus
	metrics   *metrics.Recorder
	resolver  *resolver.Resolver

	defaultFreeze atomic.Value // model.FreezeLevel
	fetcher       atomic.Pointer[fetcher.Fetcher]

	mu       sync.Mutex
	schedule *cron.Cron
	cancel   context.CancelFunc
	watching sync.WaitGroup
}

func New(opts ...Option) *Runtime {
	r := &Runtime{id: xid.New().String()}
	for _, opt := range opts {
		opt(r)
	}
	if r.baseLogger == nil {
		r.baseLogger = log.New()
		r.baseLogger.SetOutput(os.Stderr)
	}
	if r.store == nil {
		r.store = store.NewMemoryStore()
	}
	r.logger = log.NewEntry(r.baseLogger).WithField("instance", r.id)

	r.metrics = metrics.New(r.registerer)
	r.registry = registry.New(r.logger)
	r.freeze = freeze.New()
	r.bus = bus.New(r.metrics, r.logger)
	r.overrides = override.New(r.store, r.logger)
	r.overrides.OnChange = r.freeze.UnfreezeFlag
	r.resolver = resolver.New(snapshotFunc(r.active), r.overrides, r.freeze, r.bus, r.metrics, r.logger)
	r.defaultFreeze.Store(model.FreezeNone)

	if err := r.overrides.Load(context.Background()); err != nil {
		r.logger.Warnf("loading overrides: %v", err)
	}
	return r
}

type snapshotFunc func() *fetcher.Snapshot

func (f snapshotFunc) Active() *fetcher.Snapshot { return f() }

func (r *Runtime) active() *fetcher.Snapshot {
	f := r.fetcher.Load()
	if f == nil {
		return nil
	}
	return f.Active()
}

// ID is the runtime's distinct id, sent with every configuration request.
func (r *Runtime) ID() string {
	return r.id
}

// Setup starts configuration synchronization. It returns once the first fetch attempt has
// completed, so that flags resolve against whatever configuration it applied.
func (r *Runtime) Setup(ctx context.Context, apiKey string, opts Options) (model.FetcherResult, error) {
	r.mu.Lock()
	if r.fetcher.Load() != nil {
		r.mu.Unlock()
		return model.FetcherResult{}, model.ErrAlreadySetup
	}

	if opts.DebugLevel == "verbose" {
		r.baseLogger.SetLevel(log.DebugLevel)
	}
	if opts.Freeze != "" {
		level, err := model.ParseFreezeLevel(string(opts.Freeze))
		if err != nil {
			r.mu.Unlock()
			return model.FetcherResult{}, err
		}
		r.defaultFreeze.Store(level)
	}
	if opts.ConfigurationFetchedHandler != nil {
		r.bus.SetConfigurationFetchedHandler(opts.ConfigurationFetchedHandler)
	}
	if opts.ImpressionHandler != nil {
		r.bus.SetImpressionHandler(opts.ImpressionHandler)
	}
	if opts.DynamicPropertyRuleHandler != nil {
		r.bus.SetDynamicPropertyRuleHandler(opts.DynamicPropertyRuleHandler)
	}
	r.bus.SetBuiltin(builtinNamespace, map[string]any{
		"platform":    opts.Platform,
		"app_release": opts.Version,
		"distinct_id": r.id,
	})

	lifetime, cancel := context.WithCancel(context.Background())
	f := fetcher.New(fetcher.Config{
		Transport: r.transport,
		Store:     r.store,
		Embedded:  opts.Embedded,
		Request: transport.Request{
			APIKey:        apiKey,
			Version:       opts.Version,
			Platform:      opts.Platform,
			DevModeSecret: opts.DevModeSecret,
			DistinctID:    r.id,
		},
		DisableNetworkFetch: opts.DisableNetworkFetch,
		Timeout:             opts.FetchTimeout,
		Registered:          r.registry.Seq,
		BaseContext:         lifetime,
		Bus:                 r.bus,
		Metrics:             r.metrics,
		Logger:              r.logger,
	})
	r.fetcher.Store(f)
	r.cancel = cancel
	r.mu.Unlock()

	result := f.Fetch(ctx, model.TriggerSetup)

	if !opts.DisableNetworkFetch {
		if err := r.startSchedule(lifetime, f, opts.FetchInterval()); err != nil {
			r.logger.Errorf("scheduling fetches: %v", err)
		}
		r.startWatch(lifetime, f)
	}
	return result, nil
}

func (r *Runtime) startSchedule(ctx context.Context, f *fetcher.Fetcher, interval time.Duration) error {
	c := cron.New()
	err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		f.Fetch(ctx, model.TriggerScheduled)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	r.schedule = c
	c.Start()
	r.logger.Debugf("fetching configuration every %s", interval)
	return nil
}

func (r *Runtime) startWatch(ctx context.Context, f *fetcher.Fetcher) {
	w, ok := r.transport.(transport.Watcher)
	if !ok {
		return
	}
	r.watching.Add(1)
	go func() {
		defer r.watching.Done()
		err := w.Watch(ctx, func() {
			f.Fetch(ctx, model.TriggerWatch)
		})
		if err != nil {
			r.logger.Errorf("watching configuration: %v", err)
		}
	}()
}

// Shutdown stops scheduled and watch-triggered fetches and aborts any in-flight attempt.
// The active configuration stays in force.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.schedule != nil {
		r.schedule.Stop()
		r.schedule = nil
	}
	r.mu.Unlock()
	r.watching.Wait()
}

// Fetch runs an explicit fetch, joining an attempt already in flight.
func (r *Runtime) Fetch(ctx context.Context) (model.FetcherResult, error) {
	f := r.fetcher.Load()
	if f == nil {
		return model.FetcherResult{}, model.ErrNotSetup
	}
	return f.Fetch(ctx, model.TriggerExplicit), nil
}

func (r *Runtime) SetContext(ctx model.EvaluationContext) {
	r.resolver.SetContext(ctx)
}

// Unfreeze releases frozen flags of the given namespaces, or of all namespaces when none
// is given.
func (r *Runtime) Unfreeze(namespaces ...string) {
	if len(namespaces) == 0 {
		r.freeze.UnfreezeAll()
		return
	}
	for _, ns := range namespaces {
		r.freeze.UnfreezeNamespace(ns)
	}
}

// FrozenAt reports when the flag's current frozen value was captured.
func (r *Runtime) FrozenAt(fullName string) (time.Time, bool) {
	return r.freeze.CapturedAt(fullName)
}

// OnForeground signals that the application returned to the foreground.
func (r *Runtime) OnForeground() {
	r.freeze.OnForeground()
}

// SetOverride persists a raw override for the full flag name and releases any freeze on it.
func (r *Runtime) SetOverride(ctx context.Context, fullName, raw string) error {
	return r.overrides.Set(ctx, fullName, raw)
}

func (r *Runtime) ClearOverride(ctx context.Context, fullName string) error {
	return r.overrides.Clear(ctx, fullName)
}

func (r *Runtime) ClearAllOverrides(ctx context.Context) error {
	return r.overrides.ClearAll(ctx)
}

func (r *Runtime) HasOverride(fullName string) bool {
	return r.overrides.Has(fullName)
}

// Overrides returns the raw override values keyed by full flag name.
func (r *Runtime) Overrides() map[string]string {
	out := map[string]string{}
	for _, k := range r.overrides.Keys() {
		if v, ok := r.overrides.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// GetOriginalValue returns the value the flag would have without freeze or override.
func (r *Runtime) GetOriginalValue(fullName string, ctx model.EvaluationContext) (model.Value, error) {
	def, err := r.registry.Get(fullName)
	if err != nil {
		return model.Value{}, err
	}
	return r.resolver.OriginalValue(r.effective(def), ctx), nil
}

func (r *Runtime) SetCustomStringProperty(name, value string) error {
	return r.bus.SetCustomProperty(bus.CustomProperty{Name: name, Kind: model.KindString, Value: value})
}

func (r *Runtime) SetCustomBooleanProperty(name string, value bool) error {
	return r.bus.SetCustomProperty(bus.CustomProperty{Name: name, Kind: model.KindBoolean, Value: value})
}

func (r *Runtime) SetCustomNumberProperty(name string, value float64) error {
	return r.bus.SetCustomProperty(bus.CustomProperty{Name: name, Kind: model.KindNumber, Value: value})
}

// SetCustomComputedProperty registers a generator invoked on every evaluation that
// references the property. Generated values must be of kind.
func (r *Runtime) SetCustomComputedProperty(name string, kind model.Kind, generator bus.PropertyGenerator) error {
	return r.bus.SetCustomProperty(bus.CustomProperty{Name: name, Kind: kind, Generator: generator})
}

func (r *Runtime) SetDynamicPropertyRuleHandler(h bus.DynamicPropertyRuleHandler) {
	r.bus.SetDynamicPropertyRuleHandler(h)
}

func (r *Runtime) SetImpressionHandler(h bus.ImpressionHandler) {
	r.bus.SetImpressionHandler(h)
}

func (r *Runtime) SetConfigurationFetchedHandler(h bus.FetchedHandler) {
	r.bus.SetConfigurationFetchedHandler(h)
}

func (r *Runtime) SetUnhandledErrorHandler(h bus.UnhandledErrorHandler) {
	r.bus.SetUnhandledErrorHandler(h)
}

// effective applies the runtime's default freeze level to definitions registered without one.
func (r *Runtime) effective(def model.FlagDefinition) model.FlagDefinition {
	if def.FreezeLevel == "" {
		def.FreezeLevel = r.defaultFreeze.Load().(model.FreezeLevel)
	}
	return def
}
