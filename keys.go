package tifs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// All persistent state lives in a single flat keyspace. Every key starts
// with a one byte scope tag followed by big endian fixed width fields, so
// the store's byte order is also the logical order: blocks of a file scan
// in block index order and inodes scan in inode number order.
const (
	ScopeMeta byte = iota
	ScopeInode
	ScopeBlock
	ScopeHandle
	ScopeIndex
	// ScopeDirectory is reserved. Directory listings are derived from
	// ScopeIndex entries and never materialized.
	ScopeDirectory
)

const (
	RootIno = 1

	// FirstIno is the initial value of Meta.InodeNext, the root inode
	// being allocated by mkfs itself.
	FirstIno = 2

	MaxNameLen = 255
)

func putU64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func MetaKey() []byte {
	return []byte{ScopeMeta}
}

func InodeKey(ino uint64) []byte {
	return putU64([]byte{ScopeInode}, ino)
}

func BlockKey(ino, index uint64) []byte {
	return putU64(putU64([]byte{ScopeBlock}, ino), index)
}

func HandleKey(ino, fh uint64) []byte {
	return putU64(putU64([]byte{ScopeHandle}, ino), fh)
}

func IndexKey(parent uint64, name string) []byte {
	return append(putU64([]byte{ScopeIndex}, parent), name...)
}

// prefixEnd returns the first key after every key carrying the prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	// The prefix was all 0xff, nothing sorts after it.
	return nil
}

// BlockRange bounds a scan over the blocks [start, end) of an inode.
func BlockRange(ino, start, end uint64) (begin, stop []byte) {
	return BlockKey(ino, start), BlockKey(ino, end)
}

// BlockPrefixRange bounds a scan over every block of an inode.
func BlockPrefixRange(ino uint64) (begin, stop []byte) {
	p := putU64([]byte{ScopeBlock}, ino)
	return p, prefixEnd(p)
}

// IndexPrefixRange bounds a scan over every directory entry of a parent.
func IndexPrefixRange(parent uint64) (begin, stop []byte) {
	p := putU64([]byte{ScopeIndex}, parent)
	return p, prefixEnd(p)
}

// HandlePrefixRange bounds a scan over every open handle of an inode.
func HandlePrefixRange(ino uint64) (begin, stop []byte) {
	p := putU64([]byte{ScopeHandle}, ino)
	return p, prefixEnd(p)
}

// InodeRange bounds a scan over the inodes [start, end).
func InodeRange(start, end uint64) (begin, stop []byte) {
	return InodeKey(start), InodeKey(end)
}

// ScopeRange bounds a scan over every key of one scope.
func ScopeRange(scope byte) (begin, stop []byte) {
	return []byte{scope}, []byte{scope + 1}
}

// ParsedKey is the decoded form of any key in the keyspace. Fields beyond
// Scope are populated according to the scope's shape.
type ParsedKey struct {
	Scope byte
	Ino   uint64
	Block uint64
	Fh    uint64
	Name  string
}

type MalformedKeyError struct {
	Key []byte
	Why string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed key %x: %s", e.Key, e.Why)
}

// DecodeKey parses a raw key back into its scoped form. The inverse of the
// *Key constructors; round tripping is checked by the tests.
func DecodeKey(raw []byte) (ParsedKey, error) {
	if len(raw) == 0 {
		return ParsedKey{}, &MalformedKeyError{Key: raw, Why: "empty"}
	}
	k := ParsedKey{Scope: raw[0]}
	body := raw[1:]
	switch k.Scope {
	case ScopeMeta:
		if len(body) != 0 {
			return ParsedKey{}, &MalformedKeyError{Key: raw, Why: "meta key has a body"}
		}
	case ScopeInode:
		if len(body) != 8 {
			return ParsedKey{}, &MalformedKeyError{Key: raw, Why: "inode key body is not 8 bytes"}
		}
		k.Ino = binary.BigEndian.Uint64(body)
	case ScopeBlock:
		if len(body) != 16 {
			return ParsedKey{}, &MalformedKeyError{Key: raw, Why: "block key body is not 16 bytes"}
		}
		k.Ino = binary.BigEndian.Uint64(body[:8])
		k.Block = binary.BigEndian.Uint64(body[8:])
	case ScopeHandle:
		if len(body) != 16 {
			return ParsedKey{}, &MalformedKeyError{Key: raw, Why: "handle key body is not 16 bytes"}
		}
		k.Ino = binary.BigEndian.Uint64(body[:8])
		k.Fh = binary.BigEndian.Uint64(body[8:])
	case ScopeIndex:
		if len(body) < 9 {
			return ParsedKey{}, &MalformedKeyError{Key: raw, Why: "index key body is shorter than 9 bytes"}
		}
		k.Ino = binary.BigEndian.Uint64(body[:8])
		k.Name = string(body[8:])
	default:
		return ParsedKey{}, &MalformedKeyError{Key: raw, Why: "unknown scope tag"}
	}
	return k, nil
}

// Encode re-emits the key bytes for a parsed key.
func (k ParsedKey) Encode() []byte {
	switch k.Scope {
	case ScopeMeta:
		return MetaKey()
	case ScopeInode:
		return InodeKey(k.Ino)
	case ScopeBlock:
		return BlockKey(k.Ino, k.Block)
	case ScopeHandle:
		return HandleKey(k.Ino, k.Fh)
	case ScopeIndex:
		return IndexKey(k.Ino, k.Name)
	}
	return nil
}
