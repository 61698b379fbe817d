package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/open-feature/flagsync/pkg/bus"
	"github.com/open-feature/flagsync/pkg/eval"
	"github.com/open-feature/flagsync/pkg/metrics"
	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/store"
	"github.com/open-feature/flagsync/pkg/transport"
)

const DefaultTimeout = 10 * time.Second

// Snapshot is the published active configuration together with the registry sequence
// number observed when it was applied. Flags registered later keep their defaults until
// the next applied fetch.
type Snapshot struct {
	Configuration *eval.Configuration
	Seq           uint64
}

type Config struct {
	Transport           transport.Transport
	Store               store.Store
	Embedded            []byte
	Request             transport.Request
	DisableNetworkFetch bool
	Timeout             time.Duration

	// Registered returns the current registry sequence number.
	Registered func() uint64
	// BaseContext bounds every fetch attempt; cancelling it aborts in-flight attempts.
	BaseContext context.Context

	Bus     *bus.Bus
	Metrics *metrics.Recorder
	Logger  *log.Entry
}

// Fetcher retrieves configuration from the network, the cache or the embedded payload
// and publishes the result as the active configuration. At most one attempt is in flight;
// concurrent callers share its result.
type Fetcher struct {
	cfg    Config
	logger *log.Entry
	now    func() time.Time

	group  singleflight.Group
	active atomic.Pointer[Snapshot]
}

func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Registered == nil {
		cfg.Registered = func() uint64 { return 0 }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New(cfg.Metrics, cfg.Logger)
	}
	return &Fetcher{
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "fetcher"),
		now:    time.Now,
	}
}

// Active returns the active snapshot, or nil before the first applied fetch.
func (f *Fetcher) Active() *Snapshot {
	return f.active.Load()
}

// Fetch runs a fetch attempt, or joins the one in flight. Cancelling ctx stops waiting
// but never cancels the shared attempt.
func (f *Fetcher) Fetch(ctx context.Context, trigger model.FetchTrigger) model.FetcherResult {
	ch := f.group.DoChan("fetch", func() (any, error) {
		return f.fetch(trigger), nil
	})
	select {
	case res := <-ch:
		return res.Val.(model.FetcherResult)
	case <-ctx.Done():
		return model.FetcherResult{
			Status:       model.ErrorFetchFailed,
			CreationDate: f.now(),
			ErrorDetails: ctx.Err().Error(),
		}
	}
}

func (f *Fetcher) fetch(trigger model.FetchTrigger) model.FetcherResult {
	var failures []string

	if f.cfg.DisableNetworkFetch {
		failures = append(failures, "network fetch disabled")
	} else {
		cfg, err := f.fetchNetwork()
		if err == nil {
			if err := f.cfg.Store.WriteCache(f.cfg.BaseContext, cfg.Raw()); err != nil {
				f.logger.Warnf("%v: caching configuration: %v", model.ErrPersistence, err)
			}
			return f.apply(cfg, trigger)
		}
		f.logger.Warnf("network fetch failed: %v", err)
		failures = append(failures, "network: "+err.Error())
	}

	for _, tier := range []struct {
		source model.Source
		load   func() (*eval.Configuration, error)
	}{
		{model.SourceCache, f.loadCache},
		{model.SourceEmbedded, f.loadEmbedded},
	} {
		if active := f.active.Load(); active != nil && active.Configuration.Source > tier.source {
			failures = append(failures, fmt.Sprintf("not replacing %s configuration with %s", active.Configuration.Source, tier.source))
			break
		}
		cfg, err := tier.load()
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", tier.source, err))
			continue
		}
		return f.apply(cfg, trigger)
	}

	return f.fail(trigger, strings.Join(failures, "; "))
}

func (f *Fetcher) fetchNetwork() (cfg *eval.Configuration, err error) {
	if f.cfg.Transport == nil {
		return nil, fmt.Errorf("%w: no transport configured", model.ErrFetchTransport)
	}

	ctx, cancel := context.WithTimeout(f.cfg.BaseContext, f.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: transport panic: %v", model.ErrFetchTransport, r)
		}
	}()

	raw, err := f.cfg.Transport.Fetch(ctx, f.cfg.Request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", model.ErrFetchTimeout, f.cfg.Timeout, err)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrFetchTransport, err)
	}
	return eval.Parse(raw, model.SourceNetwork, f.now())
}

func (f *Fetcher) loadCache() (*eval.Configuration, error) {
	raw, err := f.cfg.Store.ReadCache(f.cfg.BaseContext)
	if err != nil {
		return nil, err
	}
	return eval.Parse(raw, model.SourceCache, f.now())
}

func (f *Fetcher) loadEmbedded() (*eval.Configuration, error) {
	if len(f.cfg.Embedded) == 0 {
		return nil, store.ErrNotFound
	}
	return eval.Parse(f.cfg.Embedded, model.SourceEmbedded, f.now())
}

func (f *Fetcher) apply(cfg *eval.Configuration, trigger model.FetchTrigger) model.FetcherResult {
	prev := f.active.Load()
	hasChanges := prev == nil || prev.Configuration.Hash != cfg.Hash

	f.active.Store(&Snapshot{Configuration: cfg, Seq: f.cfg.Registered()})

	result := model.FetcherResult{
		Status:       cfg.Source.Status(),
		CreationDate: f.now(),
		HasChanges:   hasChanges,
	}
	f.logger.WithFields(log.Fields{
		"status":     result.Status,
		"trigger":    trigger,
		"version":    cfg.Version,
		"flags":      cfg.Len(),
		"hasChanges": hasChanges,
	}).Info("configuration applied")
	f.report(result, trigger)
	return result
}

func (f *Fetcher) fail(trigger model.FetchTrigger, details string) model.FetcherResult {
	result := model.FetcherResult{
		Status:       model.ErrorFetchFailed,
		CreationDate: f.now(),
		ErrorDetails: details,
	}
	f.logger.WithField("trigger", trigger).Warnf("configuration fetch failed: %s", details)
	f.report(result, trigger)
	return result
}

func (f *Fetcher) report(result model.FetcherResult, trigger model.FetchTrigger) {
	f.cfg.Metrics.Fetches.WithLabelValues(string(result.Status), string(trigger)).Inc()
	f.cfg.Bus.ReportFetched(result)
}
