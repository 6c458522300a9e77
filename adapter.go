package kvadapter

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Adapter exposes the benchmark CRUD contract over one collection of one
// engine. Every operation is self-contained, so an Adapter may be shared
// by concurrent workers.
type Adapter struct {
	cfg    Config
	engine Engine
	log    *zap.Logger
	// ownLog is set when Open built log itself.
	ownLog bool

	// mu is held shared by operations and exclusively by Close.
	mu     sync.RWMutex
	closed bool
}

// Option customises Open.
type Option func(*Adapter)

// WithLogger sets the logger used for verbose call logging and engine
// diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithEngine makes Open use e instead of opening cfg.Engine.
func WithEngine(e Engine) Option {
	return func(a *Adapter) { a.engine = e }
}

// Open validates cfg and opens the engine and collection. Any failure is
// fatal for the adapter.
func Open(cfg Config, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "config")
	}
	a := &Adapter{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = zap.NewNop()
		if cfg.Verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return nil, errors.Trace(err)
			}
			a.log = l
			a.ownLog = true
		}
	}
	a.log = a.log.With(zap.String("engine", cfg.Engine), zap.String("collection", cfg.Collection))

	if cfg.Verbose {
		a.log.Info("configuration",
			zap.String("path", cfg.Path),
			zap.Bool("verbose", cfg.Verbose),
			zap.Int("simulateDelayMs", cfg.SimulateDelayMs),
			zap.Bool("deferWrites", cfg.DeferWrites),
			zap.Int("deferredFlushThreshold", cfg.DeferredFlushThreshold),
			zap.Stringer("syncPolicy", cfg.SyncPolicy),
			zap.Int("cacheSizeMB", cfg.CacheSizeMB),
		)
	}

	if a.engine == nil {
		e, err := OpenEngine(cfg.Engine, Options{
			Path:        cfg.Path,
			Collection:  cfg.Collection,
			Sync:        cfg.SyncPolicy,
			CacheSizeMB: cfg.CacheSizeMB,
			Logger:      a.log.Named(cfg.Engine),
		})
		if err != nil {
			return nil, err
		}
		a.engine = e
	}
	if cfg.DeferWrites {
		a.engine = NewDeferred(a.engine, cfg.DeferredFlushThreshold)
	}
	return a, nil
}

// Read returns the record stored at key, restricted to fields when fields
// is not nil.
func (a *Adapter) Read(table, key string, fields []string) (rec Record, err error) {
	defer a.guard("read", key, &err)
	a.delay()
	if a.cfg.Verbose {
		a.log.Info("READ", zap.String("table", table), zap.String("key", key), fieldsField(fields))
	}
	if err := a.check(table, key); err != nil {
		return nil, a.fail("read", key, err)
	}
	if !a.acquire() {
		return nil, a.fail("read", key, ErrClosed)
	}
	defer a.mu.RUnlock()

	v, err := a.engine.Get([]byte(key))
	if err != nil {
		return nil, a.fail("read", key, err)
	}
	rec, err = DecodeRecord(v)
	if err != nil {
		return nil, &Error{Op: "read", Key: key, Code: CodeInternal, Err: err}
	}
	return rec.Project(fields), nil
}

// ScanFunc calls fn for at most n records whose keys are >= start, in
// ascending key order, until fn returns false. The engine cursor is
// released before ScanFunc returns.
func (a *Adapter) ScanFunc(table, start string, n int, fields []string, fn func(KeyedRecord) bool) (err error) {
	defer a.guard("scan", start, &err)
	a.delay()
	if a.cfg.Verbose {
		a.log.Info("SCAN", zap.String("table", table), zap.String("start", start),
			zap.Int("count", n), fieldsField(fields))
	}
	if err := a.checkTable(table); err != nil {
		return a.fail("scan", start, err)
	}
	if n < 0 {
		return a.fail("scan", start, errors.NotValidf("record count %d", n))
	}
	if n == 0 {
		return nil
	}
	if !a.acquire() {
		return a.fail("scan", start, ErrClosed)
	}
	defer a.mu.RUnlock()

	var (
		count     int
		decodeErr error
	)
	err = a.engine.Seek([]byte(start), func(k, v []byte) bool {
		rec, err := DecodeRecord(v)
		if err != nil {
			decodeErr = errors.Annotatef(err, "key %q", k)
			return false
		}
		count++
		if !fn(KeyedRecord{Key: string(k), Fields: rec.Project(fields)}) {
			return false
		}
		return count < n
	})
	if err != nil {
		return a.fail("scan", start, err)
	}
	if decodeErr != nil {
		return &Error{Op: "scan", Key: start, Code: CodeInternal, Err: decodeErr}
	}
	return nil
}

// Scan collects the records visited by ScanFunc.
func (a *Adapter) Scan(table, start string, n int, fields []string) ([]KeyedRecord, error) {
	var out []KeyedRecord
	err := a.ScanFunc(table, start, n, fields, func(r KeyedRecord) bool {
		out = append(out, r)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces the whole record at key with fields.
func (a *Adapter) Update(table, key string, fields Record) error {
	return a.put("update", "UPDATE", table, key, fields)
}

// Insert stores fields at key, overwriting any existing record.
func (a *Adapter) Insert(table, key string, fields Record) error {
	return a.put("insert", "INSERT", table, key, fields)
}

func (a *Adapter) put(op, verb, table, key string, fields Record) (err error) {
	defer a.guard(op, key, &err)
	a.delay()
	if a.cfg.Verbose {
		a.log.Info(verb, zap.String("table", table), zap.String("key", key), zap.Object("fields", fields))
	}
	if err := a.check(table, key); err != nil {
		return a.fail(op, key, err)
	}
	if !a.acquire() {
		return a.fail(op, key, ErrClosed)
	}
	defer a.mu.RUnlock()

	if err := a.engine.Set([]byte(key), EncodeRecord(fields)); err != nil {
		return a.fail(op, key, err)
	}
	return nil
}

// Delete removes the record at key. Deleting an absent key succeeds.
func (a *Adapter) Delete(table, key string) (err error) {
	defer a.guard("delete", key, &err)
	a.delay()
	if a.cfg.Verbose {
		a.log.Info("DELETE", zap.String("table", table), zap.String("key", key))
	}
	if err := a.check(table, key); err != nil {
		return a.fail("delete", key, err)
	}
	if !a.acquire() {
		return a.fail("delete", key, ErrClosed)
	}
	defer a.mu.RUnlock()

	if err := a.engine.Delete([]byte(key)); err != nil {
		return a.fail("delete", key, err)
	}
	return nil
}

// Close flushes and releases the engine. Calling Close again after a
// successful Close is a no-op; after a failed one it retries.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if err := a.engine.Close(); err != nil {
		a.log.Error("close engine", zap.Error(err))
		return errors.Annotate(err, "close")
	}
	a.closed = true
	if a.ownLog {
		// stderr may not support fsync
		_ = a.log.Sync()
	}
	return nil
}

// acquire takes the shared lock unless the adapter is closed.
func (a *Adapter) acquire() bool {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return false
	}
	return true
}

func (a *Adapter) delay() {
	if a.cfg.SimulateDelayMs > 0 {
		time.Sleep(time.Duration(rand.IntN(a.cfg.SimulateDelayMs)) * time.Millisecond)
	}
}

func (a *Adapter) check(table, key string) error {
	if err := a.checkTable(table); err != nil {
		return err
	}
	if key == "" {
		return errors.NotValidf("empty key")
	}
	return nil
}

// checkTable accepts the configured collection or an empty table name.
func (a *Adapter) checkTable(table string) error {
	if table != "" && table != a.cfg.Collection {
		return errors.NotValidf("table %q (adapter serves %q)", table, a.cfg.Collection)
	}
	return nil
}

func (a *Adapter) fail(op, key string, err error) error {
	c, _ := a.engine.(classifier)
	e := &Error{Op: op, Key: key, Code: classify(err, c), Err: err}
	if e.Code != CodeNotFound && a.cfg.Verbose {
		a.log.Warn("operation failed", zap.String("op", op), zap.String("key", key),
			zap.Stringer("code", e.Code), zap.Error(err))
	}
	return e
}

// guard turns a panic escaping the engine into an internal error.
func (a *Adapter) guard(op, key string, err *error) {
	if r := recover(); r != nil {
		a.log.Error("engine panic", zap.String("op", op), zap.String("key", key), zap.Any("panic", r))
		*err = &Error{Op: op, Key: key, Code: CodeInternal, Err: errors.Errorf("panic: %v", r)}
	}
}

func fieldsField(fields []string) zap.Field {
	if fields == nil {
		return zap.String("fields", "<all fields>")
	}
	return zap.Strings("fields", fields)
}

// MarshalLogObject logs the record's fields in name order.
func (r Record) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		enc.AddByteString(name, r[name])
	}
	return nil
}
