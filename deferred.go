package kvadapter

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/juju/errors"
)

// DefaultDeferredFlushThreshold is the number of buffered mutations that
// forces a flush when the configuration leaves it unset.
const DefaultDeferredFlushThreshold = 4096

type pending struct {
	key     []byte
	value   []byte
	deleted bool
}

func pendingLess(a, b pending) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// deferred buffers mutations in memory in front of an engine. The buffer
// is written through as one atomic batch when it reaches the threshold
// and when the engine is closed.
type deferred struct {
	inner     Engine
	threshold int

	mu  sync.Mutex
	buf *btree.BTreeG[pending]
}

// NewDeferred wraps e with a write buffer of up to threshold mutations.
func NewDeferred(e Engine, threshold int) Engine {
	if threshold <= 0 {
		threshold = DefaultDeferredFlushThreshold
	}
	return &deferred{
		inner:     e,
		threshold: threshold,
		buf:       btree.NewG(32, pendingLess),
	}
}

func (d *deferred) Get(key []byte) ([]byte, error) {
	d.mu.Lock()
	p, ok := d.buf.Get(pending{key: key})
	d.mu.Unlock()
	if ok {
		if p.deleted {
			return nil, ErrNotFound
		}
		return append([]byte{}, p.value...), nil
	}
	return d.inner.Get(key)
}

func (d *deferred) Set(key, value []byte) error {
	b := &Batch{}
	b.Put(key, value)
	return d.Write(b)
}

func (d *deferred) Delete(key []byte) error {
	b := &Batch{}
	b.Delete(key)
	return d.Write(b)
}

// Write buffers b. When the buffer is full it is flushed first; if that
// flush fails b is not buffered.
func (d *deferred) Write(b *Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf.Len()+b.Len() > d.threshold {
		if err := d.flushLocked(); err != nil {
			return err
		}
	}
	return b.Replay(
		func(k, v []byte) error {
			d.buf.ReplaceOrInsert(pending{
				key:   append([]byte{}, k...),
				value: append([]byte{}, v...),
			})
			return nil
		},
		func(k []byte) error {
			d.buf.ReplaceOrInsert(pending{key: append([]byte{}, k...), deleted: true})
			return nil
		},
	)
}

// Flush writes every buffered mutation through to the engine.
func (d *deferred) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *deferred) flushLocked() error {
	if d.buf.Len() == 0 {
		return nil
	}
	b := &Batch{}
	d.buf.Ascend(func(p pending) bool {
		if p.deleted {
			b.Delete(p.key)
		} else {
			b.Put(p.key, p.value)
		}
		return true
	})
	if err := d.inner.Write(b); err != nil {
		return errors.Annotatef(err, "flush %d deferred writes", b.Len())
	}
	d.buf.Clear(false)
	return nil
}

// Seek merges the buffer, as of the start of the call, with the engine.
// Buffered entries shadow engine entries with the same key.
func (d *deferred) Seek(start []byte, fn func(key, value []byte) bool) error {
	var pend []pending
	d.mu.Lock()
	d.buf.AscendGreaterOrEqual(pending{key: start}, func(p pending) bool {
		pend = append(pend, p)
		return true
	})
	d.mu.Unlock()

	i := 0
	stopped := false
	emit := func(p pending) bool {
		if p.deleted {
			return true
		}
		return fn(p.key, p.value)
	}
	err := d.inner.Seek(start, func(k, v []byte) bool {
		for i < len(pend) && bytes.Compare(pend[i].key, k) < 0 {
			if !emit(pend[i]) {
				stopped = true
				return false
			}
			i++
		}
		if i < len(pend) && bytes.Equal(pend[i].key, k) {
			p := pend[i]
			i++
			if !emit(p) {
				stopped = true
				return false
			}
			return true
		}
		if !fn(k, v) {
			stopped = true
			return false
		}
		return true
	})
	if err != nil || stopped {
		return err
	}
	for ; i < len(pend); i++ {
		if !emit(pend[i]) {
			break
		}
	}
	return nil
}

// Close flushes the buffer and closes the engine. If the flush fails the
// engine stays open and the buffer is kept, so Close may be retried.
func (d *deferred) Close() error {
	if err := d.Flush(); err != nil {
		return err
	}
	return d.inner.Close()
}

func (d *deferred) classify(err error) (Code, bool) {
	if c, ok := d.inner.(classifier); ok {
		return c.classify(err)
	}
	return 0, false
}
