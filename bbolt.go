package kvadapter

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/multierr"
)

func init() {
	Register("bbolt", NewBoltDB)
}

type boltdb struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltDB opens <path>/bolt.db and keeps the collection in a bucket of
// the same name.
func NewBoltDB(o Options) (Engine, error) {
	if err := os.MkdirAll(o.Path, 0o755); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := bolt.Open(filepath.Join(o.Path, "bolt.db"), 0o600, &bolt.Options{
		Timeout:    time.Second,
		NoSync:     o.Sync != Sync,
		NoGrowSync: o.Sync == NoSync,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	d := &boltdb{db: db, bucket: []byte(o.Collection)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(d.bucket)
		return err
	})
	if err != nil {
		err = multierr.Append(err, db.Close())
		return nil, errors.Annotatef(err, "bucket %q", o.Collection)
	}
	return d, nil
}

func (d *boltdb) Get(key []byte) (value []byte, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(d.bucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte{}, v...)
		return nil
	})
	return value, err
}

func (d *boltdb) Set(key, value []byte) error {
	return errors.Trace(d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(d.bucket).Put(key, value)
	}))
}

func (d *boltdb) Delete(key []byte) error {
	return errors.Trace(d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(d.bucket).Delete(key)
	}))
}

func (d *boltdb) Write(b *Batch) error {
	return errors.Trace(d.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(d.bucket)
		return b.Replay(bk.Put, bk.Delete)
	}))
}

func (d *boltdb) Seek(start []byte, fn func(key, value []byte) bool) error {
	return errors.Trace(d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(d.bucket).Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	}))
}

func (d *boltdb) Close() error {
	return errors.Trace(d.db.Close())
}

func (d *boltdb) classify(err error) (Code, bool) {
	switch {
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTimeout):
		return CodeUnavailable, true
	case errors.Is(err, bolt.ErrKeyRequired), errors.Is(err, bolt.ErrKeyTooLarge),
		errors.Is(err, bolt.ErrValueTooLarge):
		return CodeInvalidArgument, true
	case errors.Is(err, bolt.ErrTxNotWritable), errors.Is(err, bolt.ErrDatabaseReadOnly):
		return CodeUnavailable, true
	}
	return 0, false
}
