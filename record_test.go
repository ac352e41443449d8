package tifs

import (
	"reflect"
	"testing"
	"time"
)

func TestInodeRoundTrip(t *testing.T) {
	inode := &Inode{
		Attr: Attr{
			Ino:     7,
			Size:    123456,
			Blocks:  2,
			Kind:    KindRegular,
			Perm:    0o640,
			Nlink:   2,
			Uid:     1000,
			Gid:     100,
			Rdev:    0,
			Blksize: 65536,
		},
		LockState: LockState{
			Owners: map[uint64]struct{}{42: {}},
			Kind:   LockExclusive,
		},
		InlineData: []byte("target"),
		NextFh:     3,
		OpenedFh:   1,
	}
	inode.Attr.SetAtime(time.Unix(1, 2))
	inode.Attr.SetMtime(time.Unix(3, 4))
	inode.Attr.SetCtime(time.Unix(5, 6))
	inode.Attr.SetCrtime(time.Unix(7, 8))

	data, err := encodeRecord(inode)
	if err != nil {
		t.Fatal(err)
	}
	decoded := &Inode{}
	if err := decodeRecord(data, decoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(inode, decoded) {
		t.Fatalf("%+v != %+v", inode, decoded)
	}
}

func TestRecordRoundTrips(t *testing.T) {
	records := []interface{}{
		&Meta{InodeNext: 9, BlockSize: 65536},
		&Index{Ino: 3, Kind: KindSymlink},
		&FileHandle{Cursor: 77, Flags: 0x8001},
	}
	for _, record := range records {
		data, err := encodeRecord(record)
		if err != nil {
			t.Fatal(err)
		}
		decoded := reflect.New(reflect.TypeOf(record).Elem()).Interface()
		if err := decodeRecord(data, decoded); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(record, decoded) {
			t.Fatalf("%+v != %+v", record, decoded)
		}
	}
}

func TestSetSize(t *testing.T) {
	attr := Attr{Kind: KindRegular}
	attr.SetSize(0, 65536)
	if attr.Blocks != 0 {
		t.Fatalf("unexpected blocks: %d", attr.Blocks)
	}
	attr.SetSize(1, 65536)
	if attr.Blocks != 1 {
		t.Fatalf("unexpected blocks: %d", attr.Blocks)
	}
	attr.SetSize(65536, 65536)
	if attr.Blocks != 1 {
		t.Fatalf("unexpected blocks: %d", attr.Blocks)
	}
	attr.SetSize(65537, 65536)
	if attr.Blocks != 2 {
		t.Fatalf("unexpected blocks: %d", attr.Blocks)
	}
}

func TestLockTransitions(t *testing.T) {
	// Shared acquisition stacks owners; exclusive needs sole ownership.
	s := LockState{}
	if !s.Transition(1, LockShared) || !s.Transition(2, LockShared) {
		t.Fatal("shared acquisition failed")
	}
	if s.Kind != LockShared || len(s.Owners) != 2 {
		t.Fatalf("unexpected state: %+v", s)
	}
	if s.Transition(1, LockExclusive) {
		t.Fatal("upgrade with two shared owners must fail")
	}
	if !s.Transition(2, LockUnlocked) {
		t.Fatal("unlock failed")
	}
	if !s.Transition(1, LockExclusive) {
		t.Fatal("upgrade as sole shared owner must succeed")
	}
	if s.Kind != LockExclusive {
		t.Fatalf("unexpected kind: %v", s.Kind)
	}
	if s.Transition(2, LockShared) {
		t.Fatal("shared under foreign exclusive must fail")
	}
	if !s.Transition(1, LockShared) {
		t.Fatal("downgrade by owner must succeed")
	}
	if !s.Transition(1, LockUnlocked) {
		t.Fatal("unlock failed")
	}
	if s.Kind != LockUnlocked || len(s.Owners) != 0 {
		t.Fatalf("unexpected state: %+v", s)
	}
}
