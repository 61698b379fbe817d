package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/store"
	"github.com/open-feature/flagsync/pkg/transport"
)

const remote = `{
  "version": "7",
  "flags": {
    "billing.isPremium": {"state": "ENABLED", "variants": {"on": true, "off": false}, "defaultVariant": "on"},
    "ui.color": {"state": "ENABLED", "variants": {"red": "red", "blue": "blue"}, "defaultVariant": "blue"},
    "ui.mobileOnly": {
      "state": "ENABLED",
      "variants": {"on": true, "off": false},
      "defaultVariant": "off",
      "targeting": {"if": [{"==": [{"var": "rox.platform"}, "ios"]}, "on", null]}
    },
    "late.flag": {"state": "ENABLED", "variants": {"on": true}, "defaultVariant": "on"},
    "dyn.enabled": {"state": "ENABLED", "variants": {"on": true}, "defaultVariant": "on"}
  }
}`

type staticTransport struct {
	mu      sync.Mutex
	payload string
	err     error
	reqs    []transport.Request
}

func (s *staticTransport) Fetch(_ context.Context, req transport.Request) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.payload), nil
}

func offline() Options {
	return Options{DisableNetworkFetch: true}
}

func TestScenario_OverrideOnOfflineRuntime(t *testing.T) {
	rt := New()
	isPremium := NewBooleanFlag("isPremium", false)
	require.NoError(t, rt.Register("billing", isPremium))

	res, err := rt.Setup(context.Background(), "key", offline())
	require.NoError(t, err)
	assert.Equal(t, model.ErrorFetchFailed, res.Status)

	v, err := rt.Resolve("billing", "isPremium", nil)
	require.NoError(t, err)
	assert.False(t, v.Bool())
	assert.False(t, isPremium.IsEnabled(nil))

	require.NoError(t, rt.SetOverride(context.Background(), "billing.isPremium", "true"))
	assert.True(t, isPremium.IsEnabled(nil))
	assert.True(t, rt.HasOverride("billing.isPremium"))

	require.NoError(t, rt.ClearOverride(context.Background(), "billing.isPremium"))
	assert.False(t, isPremium.IsEnabled(nil))
	assert.False(t, rt.HasOverride("billing.isPremium"))
}

func TestSetup_Twice_AlreadySetup(t *testing.T) {
	rt := New()
	_, err := rt.Setup(context.Background(), "key", offline())
	require.NoError(t, err)

	_, err = rt.Setup(context.Background(), "key", offline())
	assert.ErrorIs(t, err, model.ErrAlreadySetup)
}

func TestSetup_InvalidFreeze_Error(t *testing.T) {
	rt := New()
	_, err := rt.Setup(context.Background(), "key", Options{DisableNetworkFetch: true, Freeze: "forever"})
	assert.Error(t, err)
}

func TestFetch_BeforeSetup_NotSetup(t *testing.T) {
	_, err := New().Fetch(context.Background())
	assert.ErrorIs(t, err, model.ErrNotSetup)
}

func TestSetup_Network_AppliesRemoteValues(t *testing.T) {
	tr := &staticTransport{payload: remote}
	rt := New(WithTransport(tr))
	defer rt.Shutdown()

	isPremium := NewBooleanFlag("isPremium", false)
	color := NewStringFlag("color", "red", WithOptions("blue"))
	mobile := NewBooleanFlag("mobileOnly", false)
	require.NoError(t, rt.Register("billing", isPremium))
	require.NoError(t, rt.Register("ui", color, mobile))

	var fetched []model.FetcherResult
	res, err := rt.Setup(context.Background(), "the-key", Options{
		Version:                     "2.1.0",
		Platform:                    "ios",
		DevModeSecret:               "s3cret",
		ConfigurationFetchedHandler: func(r model.FetcherResult) { fetched = append(fetched, r) },
	})
	require.NoError(t, err)

	assert.Equal(t, model.AppliedFromNetwork, res.Status)
	assert.True(t, res.HasChanges)
	assert.Len(t, fetched, 1)
	assert.True(t, isPremium.IsEnabled(nil))
	assert.Equal(t, "blue", color.Value(nil))
	assert.True(t, mobile.IsEnabled(nil))

	require.Len(t, tr.reqs, 1)
	assert.Equal(t, transport.Request{
		APIKey:        "the-key",
		Version:       "2.1.0",
		Platform:      "ios",
		DevModeSecret: "s3cret",
		DistinctID:    rt.ID(),
	}, tr.reqs[0])
}

func TestSetup_NetworkDown_CacheFromPreviousRun(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := New(WithTransport(&staticTransport{payload: remote}), WithStore(st))
	_, err = first.Setup(context.Background(), "key", Options{})
	require.NoError(t, err)
	first.Shutdown()

	second := New(WithTransport(&staticTransport{err: errors.New("offline")}), WithStore(st))
	defer second.Shutdown()
	flag := NewBooleanFlag("isPremium", false)
	require.NoError(t, second.Register("billing", flag))

	res, err := second.Setup(context.Background(), "key", Options{})
	require.NoError(t, err)
	assert.Equal(t, model.AppliedFromCache, res.Status)
	assert.True(t, flag.IsEnabled(nil))
}

func TestSetup_Embedded(t *testing.T) {
	rt := New()
	flag := NewBooleanFlag("isPremium", false)
	require.NoError(t, rt.Register("billing", flag))

	res, err := rt.Setup(context.Background(), "key", Options{DisableNetworkFetch: true, Embedded: []byte(remote)})
	require.NoError(t, err)

	assert.Equal(t, model.AppliedFromEmbedded, res.Status)
	assert.True(t, flag.IsEnabled(nil))
}

func TestRegister_Duplicate_Atomic(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register("ui", NewStringFlag("color", "red")))

	err := rt.Register("ui", NewBooleanFlag("other", true), NewStringFlag("color", "blue"))
	assert.ErrorIs(t, err, model.ErrDuplicateFlag)

	_, err = rt.Resolve("ui", "other", nil)
	assert.ErrorIs(t, err, model.ErrFlagNotFound)
}

func TestRegister_SameHandleTwice(t *testing.T) {
	f := NewBooleanFlag("a", true)

	err := New().Register("ns", f, f)
	assert.ErrorIs(t, err, model.ErrDuplicateFlag)
}

func TestRegister_HandleBoundElsewhere(t *testing.T) {
	f := NewBooleanFlag("a", true)
	require.NoError(t, New().Register("ns", f))

	err := New().Register("ns", f)
	assert.ErrorIs(t, err, model.ErrFlagBound)
}

func TestFlag_UnregisteredHandle_Default(t *testing.T) {
	f := NewNumberFlag("limit", 3)

	assert.Equal(t, float64(3), f.Value(nil))
	assert.Equal(t, "limit", f.Name())
	assert.Equal(t, float64(3), f.DefaultValue())
}

func TestFlag_NameIsFullName(t *testing.T) {
	rt := New()
	scoped := NewStringFlag("color", "red")
	global := NewStringFlag("title", "hello")
	require.NoError(t, rt.Register("ui", scoped))
	require.NoError(t, rt.Register("", global))

	assert.Equal(t, "ui.color", scoped.Name())
	assert.Equal(t, "title", global.Name())
}

func TestResolve_Unregistered_NotFound(t *testing.T) {
	_, err := New().Resolve("ui", "missing", nil)
	assert.ErrorIs(t, err, model.ErrFlagNotFound)
}

func TestRegisterAfterSetup_DefaultUntilNextFetch(t *testing.T) {
	rt := New(WithTransport(&staticTransport{payload: remote}))
	defer rt.Shutdown()
	_, err := rt.Setup(context.Background(), "key", Options{})
	require.NoError(t, err)

	late := NewBooleanFlag("flag", false)
	require.NoError(t, rt.Register("late", late))
	assert.False(t, late.IsEnabled(nil))

	res, err := rt.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, res.HasChanges)
	assert.True(t, late.IsEnabled(nil))
}

func TestDynamicAPI_ImmediateRemoteValue(t *testing.T) {
	rt := New(WithTransport(&staticTransport{payload: remote}))
	defer rt.Shutdown()
	_, err := rt.Setup(context.Background(), "key", Options{})
	require.NoError(t, err)

	assert.True(t, rt.DynamicIsEnabled("dyn.enabled", false, nil))
	assert.Equal(t, "fallback", rt.DynamicValue("dyn.missing", "fallback", nil))
	assert.Equal(t, 4.5, rt.DynamicNumber("dyn.number", 4.5, nil))

	var names []string
	for _, def := range rt.Flags() {
		names = append(names, def.FullName())
	}
	assert.Equal(t, []string{"dyn.enabled", "dyn.missing", "dyn.number"}, names)
}

func TestDynamicAPI_KindMismatch_Default(t *testing.T) {
	rt := New()
	var triggers []model.ErrorTrigger
	rt.SetUnhandledErrorHandler(func(tr model.ErrorTrigger, _ error) { triggers = append(triggers, tr) })
	require.NoError(t, rt.Register("ui", NewBooleanFlag("toggle", true)))

	assert.Equal(t, "x", rt.DynamicValue("ui.toggle", "x", nil))
	assert.Equal(t, []model.ErrorTrigger{model.FlagResolution}, triggers)
}

func TestFreeze_RuntimeDefault_UntilForeground(t *testing.T) {
	tr := &staticTransport{payload: remote}
	rt := New(WithTransport(tr))
	defer rt.Shutdown()
	flag := NewBooleanFlag("isPremium", false)
	require.NoError(t, rt.Register("billing", flag))

	_, err := rt.Setup(context.Background(), "key", Options{Freeze: model.FreezeUntilForeground})
	require.NoError(t, err)
	assert.True(t, flag.IsEnabled(nil))

	tr.mu.Lock()
	tr.payload = `{"flags": {"billing.isPremium": {"state": "DISABLED", "variants": {"on": true}}}}`
	tr.mu.Unlock()
	res, err := rt.Fetch(context.Background())
	require.NoError(t, err)
	require.True(t, res.HasChanges)

	assert.True(t, flag.IsEnabled(nil))
	orig, err := rt.GetOriginalValue("billing.isPremium", nil)
	require.NoError(t, err)
	assert.False(t, orig.Bool())

	rt.OnForeground()
	assert.False(t, flag.IsEnabled(nil))
}

func TestFreeze_FlagLevelAndUnfreeze(t *testing.T) {
	tr := &staticTransport{payload: remote}
	rt := New(WithTransport(tr))
	defer rt.Shutdown()
	flag := NewBooleanFlag("isPremium", false, WithFreeze(model.FreezeUntilLaunch))
	require.NoError(t, rt.Register("billing", flag))
	_, err := rt.Setup(context.Background(), "key", Options{})
	require.NoError(t, err)

	assert.True(t, flag.IsEnabled(nil))
	tr.mu.Lock()
	tr.payload = `{"flags": {}}`
	tr.mu.Unlock()
	_, err = rt.Fetch(context.Background())
	require.NoError(t, err)

	rt.OnForeground()
	assert.True(t, flag.IsEnabled(nil))

	rt.Unfreeze("other")
	assert.True(t, flag.IsEnabled(nil))

	rt.Unfreeze("billing")
	assert.False(t, flag.IsEnabled(nil))
}

func TestImpressions_IncludeMergedContext(t *testing.T) {
	rt := New()
	flag := NewStringFlag("color", "red")
	require.NoError(t, rt.Register("ui", flag))

	var (
		reported []model.Reporting
		contexts []model.EvaluationContext
	)
	_, err := rt.Setup(context.Background(), "key", Options{
		DisableNetworkFetch: true,
		ImpressionHandler: func(r model.Reporting, ctx model.EvaluationContext) {
			reported = append(reported, r)
			contexts = append(contexts, ctx)
		},
	})
	require.NoError(t, err)
	rt.SetContext(model.EvaluationContext{"user": "u1", "tier": "free"})

	flag.Value(model.EvaluationContext{"tier": "gold"})
	flag.Value(nil)

	require.Len(t, reported, 2)
	assert.Equal(t, model.Reporting{Name: "ui.color", Value: "red"}, reported[0])
	assert.Equal(t, model.EvaluationContext{"user": "u1", "tier": "gold"}, contexts[0])
	assert.Equal(t, model.EvaluationContext{"user": "u1", "tier": "free"}, contexts[1])
}

func TestCustomProperties_DriveTargeting(t *testing.T) {
	payload := `{"flags": {
	  "ui.beta": {
	    "state": "ENABLED",
	    "variants": {"on": true, "off": false},
	    "defaultVariant": "off",
	    "targeting": {"if": [{"and": [{"==": [{"var": "plan"}, "pro"]}, {">": [{"var": "seats"}, 10]}]}, "on", null]}
	  }
	}}`
	rt := New()
	beta := NewBooleanFlag("beta", false)
	require.NoError(t, rt.Register("ui", beta))
	_, err := rt.Setup(context.Background(), "key", Options{DisableNetworkFetch: true, Embedded: []byte(payload)})
	require.NoError(t, err)

	require.NoError(t, rt.SetCustomStringProperty("plan", "pro"))
	require.NoError(t, rt.SetCustomComputedProperty("seats", model.KindNumber, func(ctx model.EvaluationContext) (any, error) {
		return ctx["seats"], nil
	}))

	assert.True(t, beta.IsEnabled(model.EvaluationContext{"seats": 20}))
	assert.False(t, beta.IsEnabled(model.EvaluationContext{"seats": 5}))
}

func TestOverrides_PersistAcrossRuntimes(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := New(WithStore(st))
	require.NoError(t, first.SetOverride(context.Background(), "ui.limit", "12"))

	second := New(WithStore(st))
	limit := NewNumberFlag("limit", 1)
	require.NoError(t, second.Register("ui", limit))

	assert.True(t, second.HasOverride("ui.limit"))
	assert.Equal(t, float64(12), limit.Value(nil))
	assert.Equal(t, map[string]string{"ui.limit": "12"}, second.Overrides())

	require.NoError(t, second.ClearAllOverrides(context.Background()))
	assert.Equal(t, float64(1), limit.Value(nil))
}

func TestInstances_AreIndependent(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(WithRegisterer(reg))
	b := New()
	fa := NewBooleanFlag("isPremium", false)
	fb := NewBooleanFlag("isPremium", false)
	require.NoError(t, a.Register("billing", fa))
	require.NoError(t, b.Register("billing", fb))

	require.NoError(t, a.SetOverride(context.Background(), "billing.isPremium", "true"))

	assert.True(t, fa.IsEnabled(nil))
	assert.False(t, fb.IsEnabled(nil))
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestWatch_FileTransportTriggersFetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"flags": {}}`), 0o600))

	rt := New(WithTransport(&transport.FileTransport{Path: path}))
	defer rt.Shutdown()
	dyn := func() bool { return rt.DynamicIsEnabled("billing.isPremium", false, nil) }

	var (
		mu      sync.Mutex
		results []model.FetcherResult
	)
	rt.SetConfigurationFetchedHandler(func(r model.FetcherResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})
	_, err := rt.Setup(context.Background(), "key", Options{})
	require.NoError(t, err)
	assert.False(t, dyn())

	// give the watcher time to subscribe
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(remote), 0o600))

	assert.Eventually(t, dyn, 2*time.Second, 10*time.Millisecond)
}

func TestOptions_FetchInterval(t *testing.T) {
	assert.Equal(t, 60*time.Second, Options{}.FetchInterval())
	assert.Equal(t, 30*time.Second, Options{FetchIntervalInSec: 5}.FetchInterval())
	assert.Equal(t, 120*time.Second, Options{FetchIntervalInSec: 120}.FetchInterval())
}

func TestFetch_ConcurrentReadsDuringSwap(t *testing.T) {
	const (
		one = `{"flags": {"ui.limit": {"state": "ENABLED", "variants": {"a": 1, "b": 2}, "defaultVariant": "a"}}}`
		two = `{"flags": {"ui.limit": {"state": "ENABLED", "variants": {"a": 1, "b": 2}, "defaultVariant": "b"}}}`
	)
	tr := &staticTransport{payload: one}
	rt := New(WithTransport(tr))
	defer rt.Shutdown()

	limit := NewNumberFlag("limit", 0)
	require.NoError(t, rt.Register("ui", limit))
	_, err := rt.Setup(context.Background(), "key", Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				v := limit.Value(nil)
				if v != 1 && v != 2 {
					assert.Failf(t, "unexpected value", "read %v during swap", v)
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		tr.mu.Lock()
		if i%2 == 0 {
			tr.payload = two
		} else {
			tr.payload = one
		}
		tr.mu.Unlock()
		_, err := rt.Fetch(context.Background())
		assert.NoError(t, err)
	}
	close(done)
	wg.Wait()
}

func TestFrozenAt(t *testing.T) {
	rt := New(WithTransport(&staticTransport{payload: remote}))
	defer rt.Shutdown()

	isPremium := NewBooleanFlag("isPremium", false, WithFreeze(model.FreezeUntilLaunch))
	require.NoError(t, rt.Register("billing", isPremium))
	_, err := rt.Setup(context.Background(), "key", Options{})
	require.NoError(t, err)

	_, ok := rt.FrozenAt("billing.isPremium")
	assert.False(t, ok)

	before := time.Now()
	assert.True(t, isPremium.IsEnabled(nil))
	at, ok := rt.FrozenAt("billing.isPremium")
	require.True(t, ok)
	assert.False(t, at.Before(before))

	isPremium.Unfreeze()
	_, ok = rt.FrozenAt("billing.isPremium")
	assert.False(t, ok)
}

func TestNamespace_ListsRegisteredFlags(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register("ui", NewStringFlag("color", "red"), NewBooleanFlag("mobileOnly", false)))
	require.NoError(t, rt.Register("billing", NewBooleanFlag("isPremium", false)))

	ui := rt.Namespace("ui")
	require.Len(t, ui, 2)
	assert.Equal(t, "ui.color", ui[0].Key)
	assert.Equal(t, "ui.mobileOnly", ui[1].Key)
	assert.Empty(t, rt.Namespace("none"))
}

func TestRegister_DottedName_Rejected(t *testing.T) {
	rt := New()
	dotted := NewBooleanFlag("a.b", false)

	err := rt.Register("x", dotted)
	assert.ErrorIs(t, err, model.ErrInvalidName)
	assert.Equal(t, "a.b", dotted.Name())
	assert.Empty(t, rt.Flags())
}
