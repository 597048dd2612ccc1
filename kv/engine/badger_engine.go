package engine

import (
	"os"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/emberdb-incubator/embersql/kv/config"
)

// BadgerEngine is a persistent ordered engine backed by a badger database.
type BadgerEngine struct {
	db   *badger.DB
	path string
}

// OpenBadgerEngine creates the data directory if needed and opens the DB.
func OpenBadgerEngine(conf *config.Engine) (*BadgerEngine, error) {
	if err := os.MkdirAll(conf.DBPath, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = conf.DBPath
	opts.ValueDir = conf.DBPath
	opts.ValueThreshold = conf.ValueThreshold
	opts.MaxTableSize = conf.MaxTableSize
	opts.NumMemtables = conf.NumMemTables
	opts.NumLevelZeroTables = conf.NumL0Tables
	opts.NumLevelZeroTablesStall = conf.NumL0TablesStall
	opts.ValueLogFileSize = conf.VlogFileSize
	opts.SyncWrites = conf.SyncWrite
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Infof("opened badger engine at %s", conf.DBPath)
	return &BadgerEngine{db: db, path: conf.DBPath}, nil
}

func (e *BadgerEngine) Get(key []byte) ([]byte, error) {
	var val []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return val, nil
}

func (e *BadgerEngine) Write(wb *WriteBatch) error {
	if wb.Len() == 0 {
		return nil
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, ent := range wb.entries {
			var err1 error
			if ent.delete {
				err1 = txn.Delete(ent.key)
			} else {
				err1 = txn.Set(ent.key, ent.value)
			}
			if err1 != nil {
				return err1
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (e *BadgerEngine) NewIterator() Iterator {
	txn := e.db.NewTransaction(false)
	iter := txn.NewIterator(badger.DefaultIteratorOptions)
	return &badgerIterator{txn: txn, iter: iter}
}

func (e *BadgerEngine) Close() error {
	return errors.WithStack(e.db.Close())
}

type badgerIterator struct {
	txn  *badger.Txn
	iter *badger.Iterator
}

func (it *badgerIterator) Seek(key []byte) {
	it.iter.Seek(key)
}

func (it *badgerIterator) Valid() bool {
	return it.iter.Valid()
}

func (it *badgerIterator) ValidForPrefix(prefix []byte) bool {
	return it.iter.ValidForPrefix(prefix)
}

func (it *badgerIterator) Next() {
	it.iter.Next()
}

func (it *badgerIterator) Key() []byte {
	return it.iter.Item().KeyCopy(nil)
}

func (it *badgerIterator) Value() []byte {
	val, err := it.iter.Item().ValueCopy(nil)
	if err != nil {
		// Value log corruption; iteration cannot continue meaningfully.
		panic(err)
	}
	return val
}

func (it *badgerIterator) Close() {
	it.iter.Close()
	it.txn.Discard()
}
