//go:build rocksdb

package kvadapter

import (
	"path/filepath"

	"github.com/juju/errors"
	rocksdb "github.com/tecbot/gorocksdb"
)

func init() {
	Register("gorocksdb", NewRocksDB)
}

type gorocksdb struct {
	db *rocksdb.DB
	wo *rocksdb.WriteOptions
	ro *rocksdb.ReadOptions
}

// NewRocksDB opens a rocksdb store in <path>/<collection>. It needs cgo
// and the rocksdb build tag.
func NewRocksDB(o Options) (Engine, error) {
	opts := rocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetDbWriteBufferSize(256 * 1024 * 1024)
	if o.CacheSizeMB > 0 {
		bbto := rocksdb.NewDefaultBlockBasedTableOptions()
		bbto.SetBlockCache(rocksdb.NewLRUCache(uint64(o.CacheSizeMB) << 20))
		opts.SetBlockBasedTableFactory(bbto)
	}
	db, err := rocksdb.OpenDb(opts, filepath.Join(o.Path, o.Collection))
	if err != nil {
		return nil, errors.Trace(err)
	}

	d := &gorocksdb{db: db}
	d.wo = rocksdb.NewDefaultWriteOptions()
	d.wo.SetSync(o.Sync == Sync)
	d.wo.DisableWAL(o.Sync == NoSync)
	d.ro = rocksdb.NewDefaultReadOptions()
	return d, nil
}

func (d *gorocksdb) Get(key []byte) ([]byte, error) {
	slice, err := d.db.Get(d.ro, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, ErrNotFound
	}
	v := slice.Data()
	value := make([]byte, len(v))
	copy(value, v)
	return value, nil
}

func (d *gorocksdb) Set(key, value []byte) error {
	return errors.Trace(d.db.Put(d.wo, key, value))
}

func (d *gorocksdb) Delete(key []byte) error {
	return errors.Trace(d.db.Delete(d.wo, key))
}

func (d *gorocksdb) Write(b *Batch) error {
	wb := rocksdb.NewWriteBatch()
	defer wb.Destroy()
	b.Replay(
		func(k, v []byte) error { wb.Put(k, v); return nil },
		func(k []byte) error { wb.Delete(k); return nil },
	)
	return errors.Trace(d.db.Write(d.wo, wb))
}

func (d *gorocksdb) Seek(start []byte, fn func(key, value []byte) bool) error {
	it := d.db.NewIterator(d.ro)
	defer it.Close()
	for it.Seek(start); it.Valid(); it.Next() {
		k, v := it.Key(), it.Value()
		ok := fn(k.Data(), v.Data())
		k.Free()
		v.Free()
		if !ok {
			break
		}
	}
	return errors.Trace(it.Err())
}

func (d *gorocksdb) Close() error {
	d.wo.Destroy()
	d.ro.Destroy()
	d.db.Close()
	return nil
}
