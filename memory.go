package kvadapter

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

func init() {
	Register("memory", NewMemoryDB)
}

type memItem struct {
	key   []byte
	value []byte
}

func memLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memorydb is an ordered in-memory engine. Values are copied on the way
// in and out; scans walk a copy-on-write clone so writers are never held
// up by a slow reader.
type memorydb struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[memItem]
	closed bool
}

// NewMemoryDB returns an empty in-memory engine. Options are ignored.
func NewMemoryDB(Options) (Engine, error) {
	return newMemoryDB(), nil
}

func newMemoryDB() *memorydb {
	return &memorydb{tree: btree.NewG(32, memLess)}
}

func (d *memorydb) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	it, ok := d.tree.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, it.value...), nil
}

func (d *memorydb) Set(key, value []byte) error {
	b := &Batch{}
	b.Put(key, value)
	return d.Write(b)
}

func (d *memorydb) Delete(key []byte) error {
	b := &Batch{}
	b.Delete(key)
	return d.Write(b)
}

func (d *memorydb) Write(b *Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return b.Replay(
		func(k, v []byte) error {
			d.tree.ReplaceOrInsert(memItem{
				key:   append([]byte{}, k...),
				value: append([]byte{}, v...),
			})
			return nil
		},
		func(k []byte) error {
			d.tree.Delete(memItem{key: k})
			return nil
		},
	)
}

func (d *memorydb) Seek(start []byte, fn func(key, value []byte) bool) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	snap := d.tree.Clone()
	d.mu.Unlock()

	snap.AscendGreaterOrEqual(memItem{key: start}, func(it memItem) bool {
		return fn(it.key, it.value)
	})
	return nil
}

func (d *memorydb) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.tree.Clear(false)
	return nil
}
