package kvadapter

import (
	"path/filepath"

	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

func init() {
	Register("goleveldb", NewGoLevelDB)
}

type goleveldb struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

// NewGoLevelDB opens a goleveldb store in <path>/<collection>.
func NewGoLevelDB(o Options) (Engine, error) {
	lo := &opt.Options{
		BlockCacheCapacity:     64 * opt.MiB,
		CompactionL0Trigger:    4,
		WriteL0SlowdownTrigger: 16,
		WriteL0PauseTrigger:    24,
		CompactionTableSize:    64 * opt.MiB,
		CompactionTotalSize:    320 * opt.MiB,
		WriteBuffer:            128 * opt.MiB,
		NoSync:                 o.Sync == NoSync,
	}
	if o.CacheSizeMB > 0 {
		lo.BlockCacheCapacity = o.CacheSizeMB * opt.MiB
	}
	db, err := leveldb.OpenFile(filepath.Join(o.Path, o.Collection), lo)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &goleveldb{
		db: db,
		wo: &opt.WriteOptions{Sync: o.Sync == Sync},
	}, nil
}

func (d *goleveldb) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, errors.Trace(err)
}

func (d *goleveldb) Set(key, value []byte) error {
	return errors.Trace(d.db.Put(key, value, d.wo))
}

func (d *goleveldb) Delete(key []byte) error {
	return errors.Trace(d.db.Delete(key, d.wo))
}

func (d *goleveldb) Write(b *Batch) error {
	lb := new(leveldb.Batch)
	b.Replay(
		func(k, v []byte) error { lb.Put(k, v); return nil },
		func(k []byte) error { lb.Delete(k); return nil },
	)
	return errors.Trace(d.db.Write(lb, d.wo))
}

func (d *goleveldb) Seek(start []byte, fn func(key, value []byte) bool) error {
	it := d.db.NewIterator(&util.Range{Start: start}, nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return errors.Trace(it.Error())
}

func (d *goleveldb) Close() error {
	return errors.Trace(d.db.Close())
}

func (d *goleveldb) classify(err error) (Code, bool) {
	switch {
	case errors.Is(err, leveldb.ErrClosed):
		return CodeUnavailable, true
	case errors.Is(err, leveldb.ErrReadOnly):
		return CodeUnavailable, true
	}
	return 0, false
}
