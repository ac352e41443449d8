package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

type badgerStore struct {
	db *badger.DB
}

// OpenBadger opens an embedded badger store at dir, or purely in memory
// when dir is empty. Badger transactions are serializable and optimistic,
// so GetForUpdate is a tracked read and all conflicts appear at commit;
// the façade's retry loop covers both policies.
func OpenBadger(dir string) (Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("unable to open badger store at %q: %w", dir, err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Begin(ctx context.Context, policy Policy) (Txn, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	return &badgerTxn{txn: s.db.NewTransaction(true)}, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(ctx context.Context, key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateBadgerErr(err)
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) GetForUpdate(ctx context.Context, key []byte) ([]byte, error) {
	return t.Get(ctx, key)
}

func (t *badgerTxn) Put(key, value []byte) error {
	return translateBadgerErr(t.txn.Set(bytes.Clone(key), bytes.Clone(value)))
}

func (t *badgerTxn) Delete(key []byte) error {
	return translateBadgerErr(t.txn.Delete(bytes.Clone(key)))
}

func (t *badgerTxn) Scan(ctx context.Context, begin, end []byte, limit int) ([]Pair, error) {
	var pairs []Pair
	err := t.iterate(begin, end, limit, func(it *badger.Iterator) error {
		value, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		pairs = append(pairs, Pair{Key: it.Item().KeyCopy(nil), Value: value})
		return nil
	})
	return pairs, err
}

func (t *badgerTxn) ScanKeys(ctx context.Context, begin, end []byte, limit int) ([][]byte, error) {
	var keys [][]byte
	err := t.iterate(begin, end, limit, func(it *badger.Iterator) error {
		keys = append(keys, it.Item().KeyCopy(nil))
		return nil
	})
	return keys, err
}

func (t *badgerTxn) iterate(begin, end []byte, limit int, visit func(*badger.Iterator) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(begin); it.Valid(); it.Next() {
		if end != nil && bytes.Compare(it.Item().Key(), end) >= 0 {
			break
		}
		if limit > 0 && n >= limit {
			break
		}
		if err := visit(it); err != nil {
			return translateBadgerErr(err)
		}
		n++
	}
	return nil
}

func (t *badgerTxn) Commit(ctx context.Context) error {
	return translateBadgerErr(t.txn.Commit())
}

func (t *badgerTxn) Rollback() error {
	t.txn.Discard()
	return nil
}

func translateBadgerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %s", ErrConflict, err)
	}
	return err
}
