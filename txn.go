package tifs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/Hexilee/tifs/kv"
)

const (
	// Bound on conflict retries before an operation surfaces EIO.
	maxTxnAttempts = 10

	// Largest number of pairs fetched by one scan request. Longer scans
	// loop, resuming after the last key seen.
	scanLimit = 1024
)

// Txn wraps a store transaction with record-typed helpers. Transaction
// bodies must be deterministic in their inputs: a conflicting body is
// re-executed from scratch by Transact.
type Txn struct {
	kv.Txn
	fs *Fs
}

// Transact runs body in a transaction under the given policy, committing
// on success and rolling back on error. Conflicts are retried with
// exponential backoff up to maxTxnAttempts; exhaustion returns
// ErrTooManyConflicts.
func (fs *Fs) Transact(ctx context.Context, policy kv.Policy, body func(*Txn) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond

	for attempt := 1; ; attempt++ {
		raw, err := fs.store.Begin(ctx, policy)
		if err != nil {
			return err
		}
		txn := &Txn{Txn: raw, fs: fs}

		err = body(txn)
		if err == nil {
			err = raw.Commit(ctx)
		}
		if err == nil {
			return nil
		}
		// Rollback also releases the resources of a failed commit; the
		// badger driver in particular holds a read mark until discarded.
		_ = raw.Rollback()

		if !errors.Is(err, kv.ErrConflict) {
			return err
		}
		if attempt >= maxTxnAttempts {
			logrus.WithError(err).Warn("transaction retries exhausted")
			return fmt.Errorf("%w: %s", ErrTooManyConflicts, err)
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadTransact runs body in an optimistic transaction and always rolls it
// back: read-only callers never pay a commit round trip.
func (fs *Fs) ReadTransact(ctx context.Context, body func(*Txn) error) error {
	raw, err := fs.store.Begin(ctx, kv.Optimistic)
	if err != nil {
		return err
	}
	defer func() {
		_ = raw.Rollback()
	}()
	return body(&Txn{Txn: raw, fs: fs})
}

func (t *Txn) getRecord(ctx context.Context, key []byte, scope byte, forUpdate bool, v interface{}) (bool, error) {
	var (
		data []byte
		err  error
	)
	if forUpdate {
		data, err = t.GetForUpdate(ctx, key)
	} else {
		data, err = t.Get(ctx, key)
	}
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := decodeRecord(data, v); err != nil {
		mv := &MalformedValueError{Scope: scope, Key: key, Err: err}
		logrus.WithError(mv).Error("corrupt record")
		return false, mv
	}
	return true, nil
}

func (t *Txn) putRecord(key []byte, v interface{}) error {
	data, err := encodeRecord(v)
	if err != nil {
		return err
	}
	return t.Put(key, data)
}

// GetMeta returns the filesystem meta record, or nil when the store is
// unformatted.
func (t *Txn) GetMeta(ctx context.Context) (*Meta, error) {
	return t.getMeta(ctx, false)
}

func (t *Txn) GetMetaForUpdate(ctx context.Context) (*Meta, error) {
	return t.getMeta(ctx, true)
}

func (t *Txn) getMeta(ctx context.Context, forUpdate bool) (*Meta, error) {
	meta := &Meta{}
	ok, err := t.getRecord(ctx, MetaKey(), ScopeMeta, forUpdate, meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return meta, nil
}

func (t *Txn) SaveMeta(meta *Meta) error {
	return t.putRecord(MetaKey(), meta)
}

// AllocIno hands out the next inode number, serializing against all other
// allocators through get-for-update on the meta record.
func (t *Txn) AllocIno(ctx context.Context) (uint64, error) {
	meta, err := t.GetMetaForUpdate(ctx)
	if err != nil {
		return 0, err
	}
	if meta == nil {
		return 0, ErrUnformatted
	}
	ino := meta.InodeNext
	meta.InodeNext++
	if err := t.SaveMeta(meta); err != nil {
		return 0, err
	}
	logrus.WithField("ino", ino).Debug("allocated inode")
	return ino, nil
}

func (t *Txn) GetInode(ctx context.Context, ino uint64) (*Inode, error) {
	return t.getInode(ctx, ino, false)
}

func (t *Txn) GetInodeForUpdate(ctx context.Context, ino uint64) (*Inode, error) {
	return t.getInode(ctx, ino, true)
}

func (t *Txn) getInode(ctx context.Context, ino uint64, forUpdate bool) (*Inode, error) {
	inode := &Inode{}
	ok, err := t.getRecord(ctx, InodeKey(ino), ScopeInode, forUpdate, inode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("inode %d: %w", ino, ErrNotExist)
	}
	return inode, nil
}

func (t *Txn) SaveInode(inode *Inode) error {
	return t.putRecord(InodeKey(inode.Attr.Ino), inode)
}

// DeleteInode removes the inode record together with all of its blocks
// and any leftover handle records.
func (t *Txn) DeleteInode(ctx context.Context, ino uint64) error {
	if err := t.Delete(InodeKey(ino)); err != nil {
		return err
	}
	blockBegin, blockEnd := BlockPrefixRange(ino)
	if err := t.deletePrefix(ctx, blockBegin, blockEnd); err != nil {
		return err
	}
	handleBegin, handleEnd := HandlePrefixRange(ino)
	return t.deletePrefix(ctx, handleBegin, handleEnd)
}

func (t *Txn) deletePrefix(ctx context.Context, begin, end []byte) error {
	for {
		keys, err := t.ScanKeys(ctx, begin, end, scanLimit)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := t.Delete(key); err != nil {
				return err
			}
		}
		if len(keys) < scanLimit {
			return nil
		}
		begin = append(keys[len(keys)-1], 0)
	}
}

func (t *Txn) GetIndex(ctx context.Context, parent uint64, name string) (*Index, error) {
	return t.getIndex(ctx, parent, name, false)
}

func (t *Txn) GetIndexForUpdate(ctx context.Context, parent uint64, name string) (*Index, error) {
	return t.getIndex(ctx, parent, name, true)
}

func (t *Txn) getIndex(ctx context.Context, parent uint64, name string, forUpdate bool) (*Index, error) {
	idx := &Index{}
	ok, err := t.getRecord(ctx, IndexKey(parent, name), ScopeIndex, forUpdate, idx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return idx, nil
}

func (t *Txn) SaveIndex(parent uint64, name string, idx *Index) error {
	return t.putRecord(IndexKey(parent, name), idx)
}

func (t *Txn) DeleteIndex(parent uint64, name string) error {
	return t.Delete(IndexKey(parent, name))
}

// DirHasEntries reports whether a directory has at least one entry,
// scanning its index prefix with limit 1.
func (t *Txn) DirHasEntries(ctx context.Context, ino uint64) (bool, error) {
	begin, end := IndexPrefixRange(ino)
	keys, err := t.ScanKeys(ctx, begin, end, 1)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

func (t *Txn) GetHandle(ctx context.Context, ino, fh uint64) (*FileHandle, error) {
	handle := &FileHandle{}
	ok, err := t.getRecord(ctx, HandleKey(ino, fh), ScopeHandle, false, handle)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fh %d on inode %d: %w", fh, ino, ErrBadHandle)
	}
	return handle, nil
}

func (t *Txn) SaveHandle(ino, fh uint64, handle *FileHandle) error {
	return t.putRecord(HandleKey(ino, fh), handle)
}

func (t *Txn) DeleteHandle(ino, fh uint64) error {
	return t.Delete(HandleKey(ino, fh))
}
