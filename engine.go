package kvadapter

import (
	"sort"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Engine.Get when the key is absent.
var ErrNotFound = errors.NotFoundf("key")

// Engine is the native contract of a wrapped storage engine. Every
// method is a self-contained unit of work: implementations open and
// release their transactions and cursors inside the call.
type Engine interface {
	Get(key []byte) (value []byte, err error)
	Set(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// Write applies the batch atomically.
	Write(b *Batch) error
	// Seek calls fn for every pair with key >= start in ascending key
	// order until fn returns false. Key and value are only valid during
	// the call.
	Seek(start []byte, fn func(key, value []byte) bool) error
	Close() error
}

// Options are handed to an engine factory.
type Options struct {
	Path        string
	Collection  string
	Sync        SyncPolicy
	CacheSizeMB int
	Logger      *zap.Logger
}

type Factory func(o Options) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an engine factory available under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("kvadapter: engine registered twice: " + name)
	}
	registry[name] = f
}

// Engines returns the registered engine names in sorted order.
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenEngine opens the named engine.
func OpenEngine(name string, o Options) (Engine, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.NotValidf("engine %q", name)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	e, err := f(o)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", name)
	}
	return e, nil
}
