package tifs

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// FileKind discriminates the inode kinds that can appear in Attr.Kind and
// in directory index entries.
type FileKind uint8

const (
	KindRegular FileKind = iota
	KindDirectory
	KindSymlink
	KindFifo
	KindSocket
	KindBlockDev
	KindCharDev
)

func (k FileKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	case KindFifo:
		return "fifo"
	case KindSocket:
		return "socket"
	case KindBlockDev:
		return "blockdev"
	case KindCharDev:
		return "chardev"
	}
	return "unknown"
}

// KindFromMode extracts the FileKind from a unix mode.
func KindFromMode(mode uint32) (FileKind, error) {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return KindRegular, nil
	case unix.S_IFDIR:
		return KindDirectory, nil
	case unix.S_IFLNK:
		return KindSymlink, nil
	case unix.S_IFIFO:
		return KindFifo, nil
	case unix.S_IFSOCK:
		return KindSocket, nil
	case unix.S_IFBLK:
		return KindBlockDev, nil
	case unix.S_IFCHR:
		return KindCharDev, nil
	}
	return KindRegular, fmt.Errorf("%w: unknown file type in mode %o", ErrInvalid, mode)
}

func (k FileKind) ModeBits() uint32 {
	switch k {
	case KindRegular:
		return unix.S_IFREG
	case KindDirectory:
		return unix.S_IFDIR
	case KindSymlink:
		return unix.S_IFLNK
	case KindFifo:
		return unix.S_IFIFO
	case KindSocket:
		return unix.S_IFSOCK
	case KindBlockDev:
		return unix.S_IFBLK
	case KindCharDev:
		return unix.S_IFCHR
	}
	return 0
}

// Meta is the single record under ScopeMeta, created by mkfs. InodeNext is
// only ever advanced under get-for-update by the allocating transaction.
type Meta struct {
	InodeNext uint64
	BlockSize uint64
}

// Attr carries the stat-visible attributes of an inode.
type Attr struct {
	Ino        uint64
	Size       uint64
	Blocks     uint64
	Atimesec   uint64
	Mtimesec   uint64
	Ctimesec   uint64
	Crtimesec  uint64
	Atimensec  uint32
	Mtimensec  uint32
	Ctimensec  uint32
	Crtimensec uint32
	Kind       FileKind
	Perm       uint16
	Nlink      uint32
	Uid        uint32
	Gid        uint32
	Rdev       uint32
	Blksize    uint32
	Flags      uint32
}

func (a *Attr) Mode() uint32 {
	return a.Kind.ModeBits() | uint32(a.Perm)
}

func (a *Attr) SetAtime(t time.Time) {
	a.Atimesec = uint64(t.Unix())
	a.Atimensec = uint32(t.Nanosecond())
}

func (a *Attr) SetMtime(t time.Time) {
	a.Mtimesec = uint64(t.Unix())
	a.Mtimensec = uint32(t.Nanosecond())
}

func (a *Attr) SetCtime(t time.Time) {
	a.Ctimesec = uint64(t.Unix())
	a.Ctimensec = uint32(t.Nanosecond())
}

func (a *Attr) SetCrtime(t time.Time) {
	a.Crtimesec = uint64(t.Unix())
	a.Crtimensec = uint32(t.Nanosecond())
}

// SetSize records a new size and recomputes the block count. Directory
// sizes count entries, not bytes, and are maintained directly.
func (a *Attr) SetSize(size, blockSize uint64) {
	a.Size = size
	if a.Kind == KindDirectory {
		return
	}
	a.Blocks = (size + blockSize - 1) / blockSize
}

// LockKind is the whole-file advisory lock state of an inode.
type LockKind uint8

const (
	LockUnlocked LockKind = iota
	LockShared
	LockExclusive
)

func (k LockKind) String() string {
	switch k {
	case LockUnlocked:
		return "unlocked"
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	}
	return "unknown"
}

// LockState tracks whole-file advisory locks. Invariants: an exclusive
// lock has at most one owner, an unlocked state has none.
type LockState struct {
	Owners map[uint64]struct{}
	Kind   LockKind
}

func (s *LockState) hasOwner(owner uint64) bool {
	_, ok := s.Owners[owner]
	return ok
}

func (s *LockState) addOwner(owner uint64) {
	if s.Owners == nil {
		s.Owners = make(map[uint64]struct{})
	}
	s.Owners[owner] = struct{}{}
}

func (s *LockState) removeOwner(owner uint64) {
	delete(s.Owners, owner)
	if len(s.Owners) == 0 {
		s.Owners = nil
		s.Kind = LockUnlocked
	}
}

// Transition applies a requested whole-file lock change for owner. It
// returns false without modifying the state when the request must wait.
func (s *LockState) Transition(owner uint64, requested LockKind) bool {
	switch requested {
	case LockUnlocked:
		s.removeOwner(owner)
		return true
	case LockShared:
		switch s.Kind {
		case LockExclusive:
			if !s.hasOwner(owner) {
				return false
			}
			// Downgrade.
			s.Kind = LockShared
			return true
		default:
			s.Kind = LockShared
			s.addOwner(owner)
			return true
		}
	case LockExclusive:
		switch s.Kind {
		case LockUnlocked:
			s.Kind = LockExclusive
			s.addOwner(owner)
			return true
		case LockShared:
			if len(s.Owners) == 1 && s.hasOwner(owner) {
				s.Kind = LockExclusive
				return true
			}
			return false
		case LockExclusive:
			return s.hasOwner(owner)
		}
	}
	return false
}

// Inode is the record under ScopeInode. InlineData holds symlink targets.
// OpenedFh counts live handles across all mounts; an inode with
// Nlink == 0 survives until it reaches zero.
type Inode struct {
	Attr       Attr
	LockState  LockState
	InlineData []byte
	NextFh     uint64
	OpenedFh   uint64
}

const (
	touchAtime = 1 << iota
	touchMtime
	touchCtime
)

// Touch updates a subset of the inode's times to now.
func (i *Inode) Touch(which int) {
	now := time.Now()
	if which&touchAtime != 0 {
		i.Attr.SetAtime(now)
	}
	if which&touchMtime != 0 {
		i.Attr.SetMtime(now)
	}
	if which&touchCtime != 0 {
		i.Attr.SetCtime(now)
	}
}

// Index is the record under ScopeIndex: the name to inode mapping of one
// directory entry. The kind is duplicated here so readdir needs no inode
// reads.
type Index struct {
	Ino  uint64
	Kind FileKind
}

// FileHandle is the per-open state under ScopeHandle. The cursor backs
// lseek; flags are the open flags of the originating open call.
type FileHandle struct {
	Cursor uint64
	Flags  int32
}

// DecodeRecord decodes a stored value according to its key's scope. Block
// values are raw bytes and pass through. Used by tifs-debug and fsck.
func DecodeRecord(k ParsedKey, data []byte) (interface{}, error) {
	var v interface{}
	switch k.Scope {
	case ScopeMeta:
		v = &Meta{}
	case ScopeInode:
		v = &Inode{}
	case ScopeHandle:
		v = &FileHandle{}
	case ScopeIndex:
		v = &Index{}
	case ScopeBlock:
		return data, nil
	default:
		return nil, &MalformedKeyError{Key: k.Encode(), Why: "unknown scope tag"}
	}
	if err := decodeRecord(data, v); err != nil {
		return nil, &MalformedValueError{Scope: k.Scope, Key: k.Encode(), Err: err}
	}
	return v, nil
}

type MalformedValueError struct {
	Scope byte
	Key   []byte
	Err   error
}

func (e *MalformedValueError) Error() string {
	return fmt.Sprintf("malformed %s value at key %x (scope %d): %s", Encoding, e.Key, e.Scope, e.Err)
}

func (e *MalformedValueError) Unwrap() error {
	return e.Err
}
