package tifs

import (
	"errors"
	"testing"
)

func TestParseMountOptions(t *testing.T) {
	opts, err := ParseMountOptions([]string{"blksize=128,direct_io", "maxsize=2GiB,tls=/etc/tifs/tls.toml,atime"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.BlockSize != 128*1024 {
		t.Fatalf("unexpected block size: %d", opts.BlockSize)
	}
	if !opts.DirectIO || !opts.Atime {
		t.Fatalf("unexpected flags: %+v", opts)
	}
	if opts.MaxSize != 2<<30 {
		t.Fatalf("unexpected maxsize: %d", opts.MaxSize)
	}
	if opts.TLSPath != "/etc/tifs/tls.toml" {
		t.Fatalf("unexpected tls path: %q", opts.TLSPath)
	}
}

func TestParseMountOptionsRejects(t *testing.T) {
	for _, list := range []string{
		"blksize",
		"blksize=three",
		"blksize=100", // not a power of two
		"maxsize=lots",
		"tls",
		"nonsense",
	} {
		if _, err := ParseMountOptions([]string{list}); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%q: expected invalid, got %v", list, err)
		}
	}
}

func TestParseMountOptionsDefaults(t *testing.T) {
	opts, err := ParseMountOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts != (Options{}) {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	// noatime is accepted and is the default.
	opts, err = ParseMountOptions([]string{"noatime"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Atime {
		t.Fatal("noatime set atime")
	}
}
