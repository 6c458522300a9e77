package kvadapter

import (
	"path/filepath"

	"github.com/dgraph-io/badger"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

func init() {
	Register("badger", NewBadgerDB)
}

type badgerdb struct {
	db *badger.DB
}

// NewBadgerDB opens a badger store in <path>/<collection>.
func NewBadgerDB(o Options) (Engine, error) {
	path := filepath.Join(o.Path, o.Collection)
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	bo := badger.DefaultOptions(path).
		WithNumMemtables(8).
		WithNumLevelZeroTables(8).
		WithNumLevelZeroTablesStall(16).
		WithSyncWrites(o.Sync == Sync).
		WithLogger(badgerLogger{o.Logger.Sugar()})

	db, err := badger.Open(bo)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &badgerdb{db: db}, nil
}

func (d *badgerdb) Get(key []byte) (value []byte, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return value, errors.Trace(err)
}

func (d *badgerdb) Set(key, value []byte) error {
	return errors.Trace(d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}))
}

func (d *badgerdb) Delete(key []byte) error {
	return errors.Trace(d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

func (d *badgerdb) Write(b *Batch) error {
	return errors.Trace(d.db.Update(func(txn *badger.Txn) error {
		return b.Replay(txn.Set, txn.Delete)
	}))
}

func (d *badgerdb) Seek(start []byte, fn func(key, value []byte) bool) error {
	return errors.Trace(d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   4,
		})
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.Key(), v) {
				break
			}
		}
		return nil
	}))
}

func (d *badgerdb) Close() error {
	return errors.Trace(d.db.Close())
}

func (d *badgerdb) classify(err error) (Code, bool) {
	switch {
	case errors.Is(err, badger.ErrConflict):
		return CodeConflict, true
	case errors.Is(err, badger.ErrTxnTooBig):
		return CodeResourceExhausted, true
	case errors.Is(err, badger.ErrEmptyKey), errors.Is(err, badger.ErrInvalidKey):
		return CodeInvalidArgument, true
	case errors.Is(err, badger.ErrBlockedWrites):
		return CodeUnavailable, true
	}
	return 0, false
}

// badgerLogger routes badger's internal log lines through zap.
type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Errorf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warnf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Infof(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debugf(f, v...) }
