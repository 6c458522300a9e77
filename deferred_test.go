package kvadapter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferred(t *testing.T) {
	t.Run("buffered writes stay out of the engine until flushed", func(t *testing.T) {
		inner := newMemoryDB()
		d := NewDeferred(inner, 100).(*deferred)

		require.NoError(t, d.Set([]byte("k"), []byte("v")))
		_, err := inner.Get([]byte("k"))
		assert.ErrorIs(t, err, ErrNotFound)

		v, err := d.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)

		require.NoError(t, d.Flush())
		v, err = inner.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
	})

	t.Run("tombstones shadow the engine", func(t *testing.T) {
		inner := newMemoryDB()
		require.NoError(t, inner.Set([]byte("k"), []byte("v")))
		d := NewDeferred(inner, 100)

		require.NoError(t, d.Delete([]byte("k")))
		_, err := d.Get([]byte("k"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, collect(t, d, "", 0))
	})

	t.Run("threshold triggers flush", func(t *testing.T) {
		inner := newMemoryDB()
		d := NewDeferred(inner, 3)
		for i := 0; i < 4; i++ {
			require.NoError(t, d.Set([]byte(fmt.Sprint(i)), []byte("v")))
		}
		assert.Equal(t, []string{"0", "1", "2"}, collect(t, inner, "", 0))
		assert.Equal(t, []string{"0", "1", "2", "3"}, collect(t, d, "", 0))
	})

	t.Run("seek merges buffer and engine", func(t *testing.T) {
		inner := newMemoryDB()
		for _, k := range []string{"a", "c", "e", "g"} {
			require.NoError(t, inner.Set([]byte(k), []byte("old")))
		}
		d := NewDeferred(inner, 100)
		require.NoError(t, d.Set([]byte("b"), []byte("new")))
		require.NoError(t, d.Set([]byte("c"), []byte("new")))
		require.NoError(t, d.Delete([]byte("e")))
		require.NoError(t, d.Set([]byte("h"), []byte("new")))

		got := map[string]string{}
		var order []string
		err := d.Seek([]byte("b"), func(k, v []byte) bool {
			order = append(order, string(k))
			got[string(k)] = string(v)
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "g", "h"}, order)
		assert.Equal(t, "new", got["c"])
		assert.Equal(t, "old", got["g"])

		assert.Equal(t, []string{"a", "b"}, collect(t, d, "", 2))
		assert.Equal(t, []string{"g"}, collect(t, d, "f", 1))
	})

	t.Run("failed flush keeps the buffer and rejects the write", func(t *testing.T) {
		inner := &faultyEngine{Engine: newMemoryDB()}
		d := NewDeferred(inner, 2)
		require.NoError(t, d.Set([]byte("a"), []byte("1")))
		require.NoError(t, d.Set([]byte("b"), []byte("2")))

		inner.failWrites.Store(true)
		require.ErrorIs(t, d.Set([]byte("c"), []byte("3")), errInjected)
		_, err := d.Get([]byte("c"))
		assert.ErrorIs(t, err, ErrNotFound)
		v, err := d.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		inner.failWrites.Store(false)
		require.NoError(t, d.(*deferred).Flush())
		assert.Equal(t, []string{"a", "b"}, collect(t, inner.Engine, "", 0))
		require.NoError(t, d.Close())
	})

	t.Run("failed close keeps the engine open", func(t *testing.T) {
		inner := &faultyEngine{Engine: newMemoryDB()}
		d := NewDeferred(inner, 100)
		require.NoError(t, d.Set([]byte("a"), []byte("1")))

		inner.failWrites.Store(true)
		require.ErrorIs(t, d.Close(), errInjected)
		// inner was not closed, so the buffer can still be written through
		inner.failWrites.Store(false)
		require.NoError(t, d.(*deferred).Flush())
		v, err := inner.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
		require.NoError(t, d.Close())
	})
}
