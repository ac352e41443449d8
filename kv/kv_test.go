package kv

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func tmpStore(t *testing.T) Store {
	store, err := OpenBadger("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestGetPutDelete(t *testing.T) {
	store := tmpStore(t)
	ctx := context.Background()

	txn, err := store.Begin(ctx, Pessimistic)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	txn, err = store.Begin(ctx, Optimistic)
	if err != nil {
		t.Fatal(err)
	}
	v, err := txn.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v" {
		t.Fatalf("unexpected value: %q", v)
	}
	missing, err := txn.Get(ctx, []byte("missing"))
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("absent key did not return nil")
	}
	if err := txn.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	txn, err = store.Begin(ctx, Optimistic)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()
	v, err = txn.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatal("deleted key still present")
	}
}

func TestConflictDetection(t *testing.T) {
	store := tmpStore(t)
	ctx := context.Background()

	setup, err := store.Begin(ctx, Optimistic)
	if err != nil {
		t.Fatal(err)
	}
	if err := setup.Put([]byte("counter"), []byte{0}); err != nil {
		t.Fatal(err)
	}
	if err := setup.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// Two transactions read the same key; the second commit of a write
	// over that read must conflict.
	t1, err := store.Begin(ctx, Optimistic)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := store.Begin(ctx, Optimistic)
	if err != nil {
		t.Fatal(err)
	}
	for _, txn := range []Txn{t1, t2} {
		v, err := txn.GetForUpdate(ctx, []byte("counter"))
		if err != nil {
			t.Fatal(err)
		}
		if err := txn.Put([]byte("counter"), []byte{v[0] + 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := t1.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	err = t2.Commit(ctx)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestScanRangeAndLimit(t *testing.T) {
	store := tmpStore(t)
	ctx := context.Background()

	txn, err := store.Begin(ctx, Optimistic)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := txn.Put([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	txn, err = store.Begin(ctx, Optimistic)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()

	pairs, err := txn.Scan(ctx, []byte("a"), []byte("d"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 3 {
		t.Fatalf("unexpected count: %d", len(pairs))
	}
	if !bytes.Equal(pairs[0].Key, []byte("a")) || !bytes.Equal(pairs[2].Key, []byte("c")) {
		t.Fatalf("unexpected bounds: %q..%q", pairs[0].Key, pairs[2].Key)
	}

	keys, err := txn.ScanKeys(ctx, []byte("a"), []byte("z"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("limit ignored: %d", len(keys))
	}
}

func TestOpenDispatch(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, "memory://", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(ctx, "zk://nope", nil); err == nil {
		t.Fatal("unsupported scheme accepted")
	}
}
