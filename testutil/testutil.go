// Package testutil provides store fixtures for tests. By default each
// test gets its own in-memory badger store; exporting TIFS_TEST_PD points
// the tests at a real tikv cluster instead.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/Hexilee/tifs/kv"
)

// NewStore returns a store that is torn down when the test finishes.
func NewStore(t *testing.T) kv.Store {
	endpoint := os.Getenv("TIFS_TEST_PD")
	if endpoint == "" {
		endpoint = "memory://"
	}
	store, err := kv.Open(context.Background(), endpoint, nil)
	if err != nil {
		t.Fatalf("unable to open test store: %s", err)
	}
	t.Cleanup(func() {
		err := store.Close()
		if err != nil {
			t.Logf("unable to close test store: %s", err)
		}
	})
	return store
}

// NewDiskStore returns a badger store backed by a temp dir, for tests
// that want restart-over-the-same-data behavior.
func NewDiskStore(t *testing.T) (kv.Store, string) {
	dir := t.TempDir()
	store, err := kv.Open(context.Background(), "badger://"+dir, nil)
	if err != nil {
		t.Fatalf("unable to open test store: %s", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dir
}
