package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tikv/client-go/v2/config"
	tikverr "github.com/tikv/client-go/v2/error"
	tikvkv "github.com/tikv/client-go/v2/kv"
	"github.com/tikv/client-go/v2/txnkv"
	"github.com/tikv/client-go/v2/txnkv/transaction"
)

// The pessimistic lock wait bound. Lock waits longer than this surface as
// conflicts and go through the façade's retry loop instead.
const lockWaitTime = int64(3000) // milliseconds

var tikvConfigOnce sync.Once

type tikvStore struct {
	client *txnkv.Client
}

// OpenTiKV connects to the placement driver endpoints of a TiKV cluster.
func OpenTiKV(ctx context.Context, pdEndpoints []string, tls *TLSOptions) (Store, error) {
	if tls != nil {
		// client-go reads security settings from its global config.
		tikvConfigOnce.Do(func() {
			config.UpdateGlobal(func(conf *config.Config) {
				conf.Security = config.NewSecurity(tls.CA, tls.Cert, tls.Key, tls.VerifyCN)
			})
		})
	}
	client, err := txnkv.NewClient(pdEndpoints)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to pd endpoints %v: %w", pdEndpoints, err)
	}
	logrus.WithField("pd", pdEndpoints).Info("connected to tikv")
	return &tikvStore{client: client}, nil
}

func (s *tikvStore) Begin(ctx context.Context, policy Policy) (Txn, error) {
	txn, err := s.client.Begin()
	if err != nil {
		return nil, translateTiKVErr(err)
	}
	if policy == Pessimistic {
		txn.SetPessimistic(true)
	}
	return &tikvTxn{txn: txn, policy: policy}, nil
}

func (s *tikvStore) Close() error {
	return s.client.Close()
}

type tikvTxn struct {
	txn    *transaction.KVTxn
	policy Policy
}

func (t *tikvTxn) Get(ctx context.Context, key []byte) ([]byte, error) {
	val, err := t.txn.Get(ctx, key)
	if tikverr.IsErrNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, translateTiKVErr(err)
	}
	return val, nil
}

func (t *tikvTxn) GetForUpdate(ctx context.Context, key []byte) ([]byte, error) {
	if t.policy == Pessimistic {
		lockCtx := tikvkv.NewLockCtx(t.txn.StartTS(), lockWaitTime, time.Now())
		if err := t.txn.LockKeys(ctx, lockCtx, key); err != nil {
			return nil, translateTiKVErr(err)
		}
	}
	// Optimistic transactions rely on commit-time conflict detection over
	// the read set.
	return t.Get(ctx, key)
}

func (t *tikvTxn) Put(key, value []byte) error {
	return translateTiKVErr(t.txn.Set(key, value))
}

func (t *tikvTxn) Delete(key []byte) error {
	return translateTiKVErr(t.txn.Delete(key))
}

func (t *tikvTxn) Scan(ctx context.Context, begin, end []byte, limit int) ([]Pair, error) {
	it, err := t.txn.Iter(begin, end)
	if err != nil {
		return nil, translateTiKVErr(err)
	}
	defer it.Close()

	var pairs []Pair
	for it.Valid() && (limit <= 0 || len(pairs) < limit) {
		pairs = append(pairs, Pair{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
		if err := it.Next(); err != nil {
			return nil, translateTiKVErr(err)
		}
	}
	return pairs, nil
}

func (t *tikvTxn) ScanKeys(ctx context.Context, begin, end []byte, limit int) ([][]byte, error) {
	it, err := t.txn.Iter(begin, end)
	if err != nil {
		return nil, translateTiKVErr(err)
	}
	defer it.Close()

	var keys [][]byte
	for it.Valid() && (limit <= 0 || len(keys) < limit) {
		keys = append(keys, append([]byte(nil), it.Key()...))
		if err := it.Next(); err != nil {
			return nil, translateTiKVErr(err)
		}
	}
	return keys, nil
}

func (t *tikvTxn) Commit(ctx context.Context) error {
	return translateTiKVErr(t.txn.Commit(ctx))
}

func (t *tikvTxn) Rollback() error {
	return t.txn.Rollback()
}

func translateTiKVErr(err error) error {
	if err == nil {
		return nil
	}
	var (
		writeConflict *tikverr.ErrWriteConflict
		latchConflict *tikverr.ErrWriteConflictInLatch
		deadlock      *tikverr.ErrDeadlock
		retryable     *tikverr.ErrRetryable
	)
	if errors.As(err, &writeConflict) || errors.As(err, &latchConflict) ||
		errors.As(err, &deadlock) || errors.As(err, &retryable) {
		return fmt.Errorf("%w: %s", ErrConflict, err)
	}
	if errors.Is(err, tikverr.ErrResolveLockTimeout) || errors.Is(err, tikverr.ErrLockWaitTimeout) {
		return fmt.Errorf("%w: %s", ErrConflict, err)
	}
	return err
}
