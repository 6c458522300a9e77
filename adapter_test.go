package kvadapter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const table = "usertable"

func openTestAdapter(t *testing.T, cfg Config, opts ...Option) *Adapter {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = t.TempDir()
	}
	a, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func engineConfig(name string) Config {
	cfg := DefaultConfig()
	cfg.Engine = name
	cfg.Path = ""
	return cfg
}

// faultyEngine fails or panics on demand.
type faultyEngine struct {
	Engine
	failWrites atomic.Bool
	panicReads atomic.Bool
}

var errInjected = errors.New("injected fault")

func (f *faultyEngine) Set(key, value []byte) error {
	if f.failWrites.Load() {
		return errInjected
	}
	return f.Engine.Set(key, value)
}

func (f *faultyEngine) Write(b *Batch) error {
	if f.failWrites.Load() {
		return errInjected
	}
	return f.Engine.Write(b)
}

func (f *faultyEngine) Get(key []byte) ([]byte, error) {
	if f.panicReads.Load() {
		panic("engine exploded")
	}
	return f.Engine.Get(key)
}

func TestAdapterContract(t *testing.T) {
	for _, name := range testEngines {
		for _, deferWrites := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/defer=%v", name, deferWrites), func(t *testing.T) {
				cfg := engineConfig(name)
				cfg.DeferWrites = deferWrites
				cfg.DeferredFlushThreshold = 4

				t.Run("insert read delete", func(t *testing.T) {
					a := openTestAdapter(t, cfg)
					alice := StringRecord(map[string]string{"name": "alice", "age": "30"})

					require.NoError(t, a.Insert(table, "user1", alice))
					got, err := a.Read(table, "user1", nil)
					require.NoError(t, err)
					assert.Equal(t, map[string]string{"name": "alice", "age": "30"}, got.Strings())

					require.NoError(t, a.Delete(table, "user1"))
					_, err = a.Read(table, "user1", nil)
					assert.Equal(t, StatusNotFound, StatusOf(err))
				})

				t.Run("update replaces whole record", func(t *testing.T) {
					a := openTestAdapter(t, cfg)
					require.NoError(t, a.Insert(table, "user1", StringRecord(map[string]string{"a": "1", "b": "2"})))
					require.NoError(t, a.Update(table, "user1", StringRecord(map[string]string{"a": "9"})))

					got, err := a.Read(table, "user1", nil)
					require.NoError(t, err)
					assert.Equal(t, map[string]string{"a": "9"}, got.Strings())
				})

				t.Run("read projects fields", func(t *testing.T) {
					a := openTestAdapter(t, cfg)
					require.NoError(t, a.Insert(table, "user1", StringRecord(map[string]string{"name": "alice", "age": "30"})))

					got, err := a.Read(table, "user1", []string{"age"})
					require.NoError(t, err)
					assert.Equal(t, map[string]string{"age": "30"}, got.Strings())
				})

				t.Run("scan is bounded and ordered", func(t *testing.T) {
					a := openTestAdapter(t, cfg)
					for i := 0; i < 20; i++ {
						key := fmt.Sprintf("user%02d", i)
						require.NoError(t, a.Insert(table, key, StringRecord(map[string]string{"id": key, "x": "y"})))
					}

					got, err := a.Scan(table, "user05", 5, []string{"id"})
					require.NoError(t, err)
					require.Len(t, got, 5)
					for i, r := range got {
						want := fmt.Sprintf("user%02d", 5+i)
						assert.Equal(t, want, r.Key)
						assert.Equal(t, map[string]string{"id": want}, r.Fields.Strings())
					}

					got, err = a.Scan(table, "user18", 10, nil)
					require.NoError(t, err)
					require.Len(t, got, 2)
					assert.Equal(t, "user18", got[0].Key)
					assert.Equal(t, "user19", got[1].Key)

					got, err = a.Scan(table, "user", 0, nil)
					require.NoError(t, err)
					assert.Empty(t, got)

					require.NoError(t, a.Delete(table, "user06"))
					got, err = a.Scan(table, "user05", 3, nil)
					require.NoError(t, err)
					assert.Equal(t, []string{"user05", "user07", "user08"}, keysOf(got))
				})

				t.Run("concurrent deletes of absent key", func(t *testing.T) {
					a := openTestAdapter(t, cfg)
					var wg sync.WaitGroup
					errs := make(chan error, 16)
					for i := 0; i < 16; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							errs <- a.Delete(table, "absent")
						}()
					}
					wg.Wait()
					close(errs)
					for err := range errs {
						assert.NoError(t, err)
					}
				})

				t.Run("close flushes and is idempotent", func(t *testing.T) {
					cfg := cfg
					cfg.Path = t.TempDir()
					if name == "memory" {
						t.Skip("memory engine does not persist")
					}
					a, err := Open(cfg)
					require.NoError(t, err)
					require.NoError(t, a.Insert(table, "user1", StringRecord(map[string]string{"f": "v"})))
					require.NoError(t, a.Close())
					require.NoError(t, a.Close())

					_, err = a.Read(table, "user1", nil)
					assert.Equal(t, CodeUnavailable, CodeOf(err))

					a = openTestAdapter(t, cfg)
					got, err := a.Read(table, "user1", nil)
					require.NoError(t, err)
					assert.Equal(t, map[string]string{"f": "v"}, got.Strings())
				})
			})
		}
	}
}

func keysOf(rs []KeyedRecord) []string {
	keys := make([]string, len(rs))
	for i, r := range rs {
		keys[i] = r.Key
	}
	return keys
}

func TestAdapterRejectsInvalidArguments(t *testing.T) {
	a := openTestAdapter(t, engineConfig("memory"))

	err := a.Insert(table, "", Record{})
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
	assert.Equal(t, StatusError, StatusOf(err))

	err = a.Insert("othertable", "k", Record{})
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = a.Read("othertable", "k", nil)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = a.Scan(table, "k", -1, nil)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	// an empty table name means the configured collection
	require.NoError(t, a.Insert("", "k", Record{}))
	_, err = a.Read("", "k", nil)
	assert.NoError(t, err)
}

func TestAdapterFailedWriteLeavesNoRecord(t *testing.T) {
	e := &faultyEngine{Engine: newMemoryDB()}
	a := openTestAdapter(t, engineConfig("memory"), WithEngine(e))

	require.NoError(t, a.Insert(table, "kept", StringRecord(map[string]string{"v": "1"})))

	e.failWrites.Store(true)
	err := a.Insert(table, "lost", StringRecord(map[string]string{"v": "2"}))
	require.Error(t, err)
	assert.Equal(t, StatusError, StatusOf(err))
	assert.ErrorIs(t, err, errInjected)

	err = a.Update(table, "kept", StringRecord(map[string]string{"v": "3"}))
	require.Error(t, err)
	e.failWrites.Store(false)

	_, err = a.Read(table, "lost", nil)
	assert.Equal(t, StatusNotFound, StatusOf(err))
	got, err := a.Read(table, "kept", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"v": "1"}, got.Strings())
}

func TestAdapterRecoversEnginePanic(t *testing.T) {
	e := &faultyEngine{Engine: newMemoryDB()}
	a := openTestAdapter(t, engineConfig("memory"), WithEngine(e))
	e.panicReads.Store(true)

	var err error
	require.NotPanics(t, func() { _, err = a.Read(table, "k", nil) })
	assert.Equal(t, CodeInternal, CodeOf(err))

	// the shared lock was released, so Close does not deadlock
	require.NoError(t, a.Close())
}

func TestAdapterCorruptValueIsInternal(t *testing.T) {
	e := newMemoryDB()
	a := openTestAdapter(t, engineConfig("memory"), WithEngine(e))
	require.NoError(t, e.Set([]byte("k"), []byte("{f=v}")))

	_, err := a.Read(table, "k", nil)
	assert.Equal(t, CodeInternal, CodeOf(err))
	_, err = a.Scan(table, "", 10, nil)
	assert.Equal(t, CodeInternal, CodeOf(err))
}

func TestAdapterScanFuncStops(t *testing.T) {
	a := openTestAdapter(t, engineConfig("memory"))
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Insert(table, fmt.Sprintf("k%d", i), Record{}))
	}
	var seen int
	err := a.ScanFunc(table, "", 10, nil, func(KeyedRecord) bool {
		seen++
		return seen < 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func TestAdapterSimulatedDelay(t *testing.T) {
	const (
		calls = 30
		bound = 20 * time.Millisecond
		slack = 100 * time.Millisecond
	)
	cfg := engineConfig("memory")
	cfg.SimulateDelayMs = int(bound / time.Millisecond)
	a := openTestAdapter(t, cfg)

	var total time.Duration
	for i := 0; i < calls; i++ {
		begin := time.Now()
		require.NoError(t, a.Delete(table, "k"))
		took := time.Since(begin)
		assert.Less(t, took, bound+slack)
		total += took
	}
	// 30 uniform draws from [0, 20) ms sum to well over one bound
	assert.Greater(t, total, bound)
}

func TestAdapterCloseRetriesFailedFlush(t *testing.T) {
	path := t.TempDir()
	inner, err := OpenEngine("goleveldb", Options{Path: path, Collection: table})
	require.NoError(t, err)
	e := &faultyEngine{Engine: inner}

	cfg := engineConfig("goleveldb")
	cfg.Path = path
	cfg.DeferWrites = true
	a, err := Open(cfg, WithEngine(e))
	require.NoError(t, err)
	require.NoError(t, a.Insert(table, "k", StringRecord(map[string]string{"f": "v"})))

	e.failWrites.Store(true)
	err = a.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)

	// still open, the write is still visible
	got, err := a.Read(table, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f": "v"}, got.Strings())

	e.failWrites.Store(false)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	a = openTestAdapter(t, cfg)
	got, err = a.Read(table, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f": "v"}, got.Strings())
}

func TestAdapterVerboseLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := engineConfig("memory")
	cfg.Verbose = true
	cfg.SimulateDelayMs = 0
	a := openTestAdapter(t, cfg, WithLogger(zap.New(core)))

	conf := logs.FilterMessage("configuration").All()
	require.Len(t, conf, 1)
	assert.Equal(t, true, conf[0].ContextMap()["verbose"])
	assert.Equal(t, "NO_SYNC", conf[0].ContextMap()["syncPolicy"])
	assert.Equal(t, "memory", conf[0].ContextMap()["engine"])

	require.NoError(t, a.Insert(table, "user1", StringRecord(map[string]string{"name": "alice"})))
	require.NoError(t, a.Update(table, "user1", StringRecord(map[string]string{"name": "bob"})))
	_, err := a.Read(table, "user1", []string{"name"})
	require.NoError(t, err)
	_, err = a.Scan(table, "user", 5, nil)
	require.NoError(t, err)
	require.NoError(t, a.Delete(table, "user1"))

	tests := []struct {
		msg    string
		fields map[string]interface{}
	}{
		{"INSERT", map[string]interface{}{"key": "user1", "fields": map[string]interface{}{"name": "alice"}}},
		{"UPDATE", map[string]interface{}{"key": "user1", "fields": map[string]interface{}{"name": "bob"}}},
		{"READ", map[string]interface{}{"key": "user1", "fields": []interface{}{"name"}}},
		{"SCAN", map[string]interface{}{"start": "user", "count": int64(5), "fields": "<all fields>"}},
		{"DELETE", map[string]interface{}{"key": "user1"}},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			entries := logs.FilterMessage(tt.msg).All()
			require.Len(t, entries, 1)
			ctx := entries[0].ContextMap()
			assert.Equal(t, table, ctx["table"])
			for k, v := range tt.fields {
				assert.Equal(t, v, ctx[k], k)
			}
		})
	}
}

func TestAdapterQuietWithoutVerbose(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := openTestAdapter(t, engineConfig("memory"), WithLogger(zap.New(core)))
	require.NoError(t, a.Insert(table, "k", Record{}))
	_, err := a.Read(table, "k", nil)
	require.NoError(t, err)
	assert.Zero(t, logs.Len())
}

func TestAdapterOwnsVerboseLogger(t *testing.T) {
	cfg := engineConfig("memory")
	cfg.Path = t.TempDir()
	cfg.Verbose = true
	a, err := Open(cfg)
	require.NoError(t, err)
	assert.True(t, a.ownLog)
	require.NoError(t, a.Close())

	a, err = Open(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.False(t, a.ownLog)
	require.NoError(t, a.Close())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := engineConfig("memory")
	cfg.SimulateDelayMs = -1
	_, err := Open(cfg)
	require.Error(t, err)

	cfg = engineConfig("memory")
	cfg.SyncPolicy = SyncPolicy(42)
	_, err = Open(cfg)
	require.Error(t, err)

	cfg = engineConfig("no-such-engine")
	cfg.Path = t.TempDir()
	_, err = Open(cfg)
	require.Error(t, err)
}
