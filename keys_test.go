package tifs

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	testCases := []ParsedKey{
		{Scope: ScopeMeta},
		{Scope: ScopeInode, Ino: 1},
		{Scope: ScopeInode, Ino: 1<<63 + 7},
		{Scope: ScopeBlock, Ino: 42, Block: 0},
		{Scope: ScopeBlock, Ino: 42, Block: 1 << 40},
		{Scope: ScopeHandle, Ino: 9, Fh: 3},
		{Scope: ScopeIndex, Ino: 1, Name: "x"},
		{Scope: ScopeIndex, Ino: 5, Name: "a somewhat longer név"},
	}
	for _, tc := range testCases {
		decoded, err := DecodeKey(tc.Encode())
		if err != nil {
			t.Fatal(err)
		}
		if decoded != tc {
			t.Fatalf("%v != %v", decoded, tc)
		}
	}
}

func TestDecodeKeyMalformed(t *testing.T) {
	bad := [][]byte{
		nil,
		{},
		{ScopeInode, 1, 2, 3},
		{ScopeBlock, 0, 0, 0, 0, 0, 0, 0, 1},
		{ScopeMeta, 0},
		{ScopeIndex, 0, 0, 0, 0, 0, 0, 0, 1},
		{99, 0},
	}
	for _, raw := range bad {
		_, err := DecodeKey(raw)
		var malformed *MalformedKeyError
		if !errors.As(err, &malformed) {
			t.Fatalf("expected malformed key error for %x, got %v", raw, err)
		}
	}
}

func TestBlockKeyOrdering(t *testing.T) {
	// Scanning block keys must yield strictly increasing block indices,
	// which holds iff encoded order matches numeric order.
	indices := []uint64{0, 1, 2, 255, 256, 1 << 16, 1<<32 - 1, 1 << 32, 1 << 40}
	keys := make([][]byte, len(indices))
	for i, index := range indices {
		keys[i] = BlockKey(7, index)
	}
	if !sort.SliceIsSorted(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	}) {
		t.Fatal("block keys out of order")
	}

	// Inodes order the same way across the whole scope.
	if bytes.Compare(InodeKey(255), InodeKey(256)) >= 0 {
		t.Fatal("inode keys out of order")
	}
}

func TestBlockRangeCoversExactly(t *testing.T) {
	begin, end := BlockRange(3, 2, 5)
	for index := uint64(0); index < 8; index++ {
		key := BlockKey(3, index)
		inRange := bytes.Compare(key, begin) >= 0 && bytes.Compare(key, end) < 0
		if want := index >= 2 && index < 5; inRange != want {
			t.Fatalf("block %d: in range %v, want %v", index, inRange, want)
		}
	}
}

func TestPrefixRangesDoNotOverlapNeighbors(t *testing.T) {
	begin, end := IndexPrefixRange(1)
	if bytes.Compare(IndexKey(1, "zzz"), end) >= 0 {
		t.Fatal("entry of inode 1 sorts past its prefix end")
	}
	if bytes.Compare(IndexKey(2, "a"), end) < 0 {
		t.Fatal("entry of inode 2 sorts before inode 1's prefix end")
	}
	if bytes.Compare(begin, IndexKey(1, "")) > 0 {
		t.Fatal("prefix begin sorts after the empty name")
	}
}
