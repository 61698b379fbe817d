package freeze

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-feature/flagsync/pkg/model"
)

type entry struct {
	namespace  string
	level      model.FreezeLevel
	value      model.Value
	capturedAt time.Time
	generation uint64
}

// Controller keeps the captured value of frozen flags. State lives only in memory, so
// UntilLaunch flags always start unfrozen in a new process.
//
// Every flag has a generation that UnfreezeFlag advances. A capture made from a value
// computed under an older generation is discarded, so a value resolved before an override
// changed can never be frozen after it.
type Controller struct {
	frozen      sync.Map // full name -> *entry
	generations sync.Map // full name -> *atomic.Uint64
	now         func() time.Time
}

func New() *Controller {
	return &Controller{now: time.Now}
}

// Generation returns the flag's current generation. Record it before computing a value
// that will be passed to CaptureAt.
func (c *Controller) Generation(key string) uint64 {
	return c.generation(key).Load()
}

func (c *Controller) generation(key string) *atomic.Uint64 {
	g, _ := c.generations.LoadOrStore(key, &atomic.Uint64{})
	return g.(*atomic.Uint64)
}

// Get returns the captured value when the flag is frozen.
func (c *Controller) Get(key string) (model.Value, bool) {
	e, ok := c.load(key)
	if !ok {
		return model.Value{}, false
	}
	return e.value, true
}

// CapturedAt returns when the flag's value was captured.
func (c *Controller) CapturedAt(key string) (time.Time, bool) {
	e, ok := c.load(key)
	if !ok {
		return time.Time{}, false
	}
	return e.capturedAt, true
}

func (c *Controller) load(key string) (*entry, bool) {
	v, ok := c.frozen.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if e.generation != c.Generation(key) {
		c.frozen.CompareAndDelete(key, v)
		return nil, false
	}
	return e, true
}

// Capture freezes def at value unless it is already frozen, and returns the value that is
// now in force. Flags with FreezeNone are never frozen.
func (c *Controller) Capture(def model.FlagDefinition, value model.Value) model.Value {
	v, _ := c.CaptureAt(def, value, c.Generation(def.FullName()))
	return v
}

// CaptureAt is Capture for a value computed under generation. It reports false, capturing
// nothing, when the flag's generation has moved on since; the caller should recompute.
func (c *Controller) CaptureAt(def model.FlagDefinition, value model.Value, generation uint64) (model.Value, bool) {
	if def.FreezeLevel == "" || def.FreezeLevel == model.FreezeNone {
		return value, true
	}
	key := def.FullName()
	e := &entry{
		namespace:  def.Namespace,
		level:      def.FreezeLevel,
		value:      value,
		capturedAt: c.now(),
		generation: generation,
	}
	actual, loaded := c.frozen.LoadOrStore(key, e)
	current := c.Generation(key)
	if loaded {
		existing := actual.(*entry)
		if existing.generation != current {
			c.frozen.CompareAndDelete(key, actual)
			return value, false
		}
		return existing.value, true
	}
	// UnfreezeFlag advances the generation before deleting, so a store that slipped in
	// after its delete is caught here
	if generation != current {
		c.frozen.CompareAndDelete(key, e)
		return value, false
	}
	return value, true
}

// UnfreezeFlag releases a single flag and invalidates captures in progress for it.
func (c *Controller) UnfreezeFlag(key string) {
	c.generation(key).Add(1)
	c.frozen.Delete(key)
}

// UnfreezeNamespace releases every flag registered in namespace.
func (c *Controller) UnfreezeNamespace(namespace string) {
	c.release(func(e *entry) bool { return e.namespace == namespace })
}

// UnfreezeAll releases every frozen flag.
func (c *Controller) UnfreezeAll() {
	c.release(func(*entry) bool { return true })
}

// OnForeground releases flags frozen until the app returns to the foreground.
func (c *Controller) OnForeground() {
	c.release(func(e *entry) bool { return e.level == model.FreezeUntilForeground })
}

func (c *Controller) release(match func(*entry) bool) {
	c.frozen.Range(func(k, v any) bool {
		if match(v.(*entry)) {
			c.frozen.CompareAndDelete(k, v)
		}
		return true
	})
}
