package tifs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Hexilee/tifs/kv"
)

// DefaultBlockSize is used by mkfs when no blksize option is given.
const DefaultBlockSize = 64 * 1024

// Fs implements the filesystem operations over a transactional ordered
// key-value store. It holds no mutable state of its own: correctness under
// concurrent mounts relies purely on store transactions.
type Fs struct {
	store     kv.Store
	opts      Options
	blockSize uint64
}

// Mkfs formats the store: it writes the Meta record and the root inode.
// Formatting an already formatted store is an error.
func Mkfs(ctx context.Context, store kv.Store, blockSize uint64) error {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize&(blockSize-1) != 0 || blockSize%1024 != 0 {
		return fmt.Errorf("%w: block size must be a power-of-two number of KiB", ErrInvalid)
	}
	fs := &Fs{store: store, blockSize: blockSize}
	return fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		meta, err := t.GetMetaForUpdate(ctx)
		if err != nil {
			return err
		}
		if meta != nil {
			return fmt.Errorf("%w: filesystem already present", ErrExist)
		}
		if err := t.SaveMeta(&Meta{InodeNext: FirstIno, BlockSize: blockSize}); err != nil {
			return err
		}
		root := &Inode{
			Attr: Attr{
				Ino:     RootIno,
				Kind:    KindDirectory,
				Perm:    0o777,
				Nlink:   2,
				Blksize: uint32(blockSize),
			},
		}
		root.Touch(touchAtime | touchMtime | touchCtime)
		root.Attr.SetCrtime(time.Now())
		return t.SaveInode(root)
	})
}

// Attach connects to a formatted store, formatting it first when the Meta
// record is absent. A blksize option that disagrees with the formatted
// block size fails the attach.
func Attach(ctx context.Context, store kv.Store, opts Options) (*Fs, error) {
	fs := &Fs{store: store, opts: opts}
	readMeta := func() error {
		return fs.ReadTransact(ctx, func(t *Txn) error {
			meta, err := t.GetMeta(ctx)
			if err != nil {
				return err
			}
			if meta == nil {
				return ErrUnformatted
			}
			fs.blockSize = meta.BlockSize
			return nil
		})
	}
	err := readMeta()
	if errors.Is(err, ErrUnformatted) {
		// First mount formats. ErrExist means another mount won the race.
		if err = Mkfs(ctx, store, opts.BlockSize); err != nil && !errors.Is(err, ErrExist) {
			return nil, err
		}
		err = readMeta()
	}
	if err != nil {
		return nil, err
	}
	if opts.BlockSize != 0 && opts.BlockSize != fs.blockSize {
		return nil, fmt.Errorf("%w: mounted with blksize=%d but filesystem uses %d",
			ErrBlockSizeMismatch, opts.BlockSize, fs.blockSize)
	}
	logrus.WithFields(logrus.Fields{
		"blocksize": fs.blockSize,
		"encoding":  Encoding,
	}).Info("attached filesystem")
	return fs, nil
}

func (fs *Fs) BlockSize() uint64 {
	return fs.blockSize
}

func (fs *Fs) Close() error {
	return fs.store.Close()
}

// Lookup resolves name under parent and returns the child's attributes.
func (fs *Fs) Lookup(ctx context.Context, parent uint64, name string) (Attr, error) {
	if err := validateName(name); err != nil {
		return Attr{}, err
	}
	var attr Attr
	err := fs.ReadTransact(ctx, func(t *Txn) error {
		parentInode, err := t.GetInode(ctx, parent)
		if err != nil {
			return err
		}
		if parentInode.Attr.Kind != KindDirectory {
			return ErrNotDir
		}
		idx, err := t.GetIndex(ctx, parent, name)
		if err != nil {
			return err
		}
		if idx == nil {
			return fmt.Errorf("%s: %w", name, ErrNotExist)
		}
		inode, err := t.GetInode(ctx, idx.Ino)
		if err != nil {
			return err
		}
		attr = inode.Attr
		return nil
	})
	return attr, err
}

func (fs *Fs) GetAttr(ctx context.Context, ino uint64) (Attr, error) {
	var attr Attr
	err := fs.ReadTransact(ctx, func(t *Txn) error {
		inode, err := t.GetInode(ctx, ino)
		if err != nil {
			return err
		}
		attr = inode.Attr
		return nil
	})
	return attr, err
}

// Bits of SetAttrOpts.Valid.
const (
	SetAttrMode = 1 << iota
	SetAttrUid
	SetAttrGid
	SetAttrSize
	SetAttrAtime
	SetAttrMtime
	SetAttrCtime
)

type SetAttrOpts struct {
	Valid uint32
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// SetAttr applies the requested attribute changes in one transaction. A
// shrinking size change deletes the now out-of-range blocks and truncates
// the tail block in place; growth is sparse.
func (fs *Fs) SetAttr(ctx context.Context, ino uint64, opts SetAttrOpts) (Attr, error) {
	var attr Attr
	err := fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		if opts.Valid&SetAttrMode != 0 {
			inode.Attr.Perm = uint16(opts.Mode &^ uint32(unix.S_IFMT))
		}
		if opts.Valid&SetAttrUid != 0 {
			inode.Attr.Uid = opts.Uid
		}
		if opts.Valid&SetAttrGid != 0 {
			inode.Attr.Gid = opts.Gid
		}
		if opts.Valid&SetAttrAtime != 0 {
			inode.Attr.SetAtime(opts.Atime)
		}
		if opts.Valid&SetAttrMtime != 0 {
			inode.Attr.SetMtime(opts.Mtime)
		}
		if opts.Valid&SetAttrCtime != 0 {
			inode.Attr.SetCtime(opts.Ctime)
		} else {
			inode.Attr.SetCtime(time.Now())
		}
		if opts.Valid&SetAttrSize != 0 {
			if inode.Attr.Kind == KindDirectory {
				return ErrIsDir
			}
			if err := t.truncate(ctx, inode, opts.Size); err != nil {
				return err
			}
			inode.Attr.SetMtime(time.Now())
		}
		if err := t.SaveInode(inode); err != nil {
			return err
		}
		attr = inode.Attr
		return nil
	})
	return attr, err
}

type MknodOpts struct {
	Mode       uint32
	Uid        uint32
	Gid        uint32
	Rdev       uint32
	LinkTarget []byte
}

// Mknod creates a new filesystem object under parent. It covers mknod,
// mkdir and symlink; open-with-create additionally allocates a handle in
// the same transaction via CreateFile.
func (fs *Fs) Mknod(ctx context.Context, parent uint64, name string, opts MknodOpts) (Attr, error) {
	var attr Attr
	err := fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.makeInode(ctx, parent, name, opts)
		if err != nil {
			return err
		}
		attr = inode.Attr
		return nil
	})
	return attr, err
}

// CreateFile is open-with-create: Mknod plus a handle allocation, atomic.
func (fs *Fs) CreateFile(ctx context.Context, parent uint64, name string, opts MknodOpts, flags int32) (Attr, uint64, error) {
	var (
		attr Attr
		fh   uint64
	)
	err := fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.makeInode(ctx, parent, name, opts)
		if err != nil {
			return err
		}
		fh, err = t.openHandle(ctx, inode, flags)
		if err != nil {
			return err
		}
		attr = inode.Attr
		return nil
	})
	return attr, fh, err
}

func (t *Txn) makeInode(ctx context.Context, parent uint64, name string, opts MknodOpts) (*Inode, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if name == "." || name == ".." {
		return nil, fmt.Errorf("%q: %w", name, ErrExist)
	}
	kind, err := KindFromMode(opts.Mode)
	if err != nil {
		return nil, err
	}

	parentInode, err := t.GetInodeForUpdate(ctx, parent)
	if err != nil {
		return nil, err
	}
	if parentInode.Attr.Kind != KindDirectory {
		return nil, ErrNotDir
	}

	existing, err := t.GetIndexForUpdate(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrExist)
	}

	ino, err := t.AllocIno(ctx)
	if err != nil {
		return nil, err
	}

	inode := &Inode{
		Attr: Attr{
			Ino:     ino,
			Kind:    kind,
			Perm:    uint16(opts.Mode &^ uint32(unix.S_IFMT)),
			Nlink:   1,
			Uid:     opts.Uid,
			Gid:     opts.Gid,
			Rdev:    opts.Rdev,
			Blksize: uint32(t.fs.blockSize),
		},
	}
	if kind == KindDirectory {
		inode.Attr.Nlink = 2
	}
	if kind == KindSymlink {
		inode.InlineData = bytes.Clone(opts.LinkTarget)
		inode.Attr.Size = uint64(len(opts.LinkTarget))
	}
	now := time.Now()
	inode.Attr.SetCrtime(now)
	inode.Touch(touchAtime | touchMtime | touchCtime)

	if err := t.SaveInode(inode); err != nil {
		return nil, err
	}
	if err := t.SaveIndex(parent, name, &Index{Ino: ino, Kind: kind}); err != nil {
		return nil, err
	}

	parentInode.Attr.Size++
	parentInode.Touch(touchMtime | touchCtime)
	if err := t.SaveInode(parentInode); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"parent": parent, "name": name, "ino": ino, "kind": kind.String(),
	}).Debug("made inode")
	return inode, nil
}

// Link creates a hard link to ino under newParent.
func (fs *Fs) Link(ctx context.Context, ino, newParent uint64, newName string) (Attr, error) {
	if err := validateName(newName); err != nil {
		return Attr{}, err
	}
	var attr Attr
	err := fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		if inode.Attr.Kind == KindDirectory {
			return ErrPermission
		}
		parentInode, err := t.GetInodeForUpdate(ctx, newParent)
		if err != nil {
			return err
		}
		if parentInode.Attr.Kind != KindDirectory {
			return ErrNotDir
		}
		existing, err := t.GetIndexForUpdate(ctx, newParent, newName)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%s: %w", newName, ErrExist)
		}
		if err := t.SaveIndex(newParent, newName, &Index{Ino: ino, Kind: inode.Attr.Kind}); err != nil {
			return err
		}
		inode.Attr.Nlink++
		inode.Touch(touchCtime)
		if err := t.SaveInode(inode); err != nil {
			return err
		}
		parentInode.Attr.Size++
		parentInode.Touch(touchMtime | touchCtime)
		if err := t.SaveInode(parentInode); err != nil {
			return err
		}
		attr = inode.Attr
		return nil
	})
	return attr, err
}

func (fs *Fs) Unlink(ctx context.Context, parent uint64, name string) error {
	return fs.removeEntry(ctx, parent, name, false)
}

func (fs *Fs) Rmdir(ctx context.Context, parent uint64, name string) error {
	return fs.removeEntry(ctx, parent, name, true)
}

func (fs *Fs) removeEntry(ctx context.Context, parent uint64, name string, rmdir bool) error {
	if err := validateName(name); err != nil {
		return err
	}
	return fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		parentInode, err := t.GetInodeForUpdate(ctx, parent)
		if err != nil {
			return err
		}
		if parentInode.Attr.Kind != KindDirectory {
			return ErrNotDir
		}
		idx, err := t.GetIndexForUpdate(ctx, parent, name)
		if err != nil {
			return err
		}
		if idx == nil {
			return fmt.Errorf("%s: %w", name, ErrNotExist)
		}
		child, err := t.GetInodeForUpdate(ctx, idx.Ino)
		if err != nil {
			return err
		}
		if rmdir {
			if child.Attr.Kind != KindDirectory {
				return ErrNotDir
			}
			notEmpty, err := t.DirHasEntries(ctx, idx.Ino)
			if err != nil {
				return err
			}
			if notEmpty {
				return fmt.Errorf("%s: %w", name, ErrNotEmpty)
			}
		} else if child.Attr.Kind == KindDirectory {
			return ErrIsDir
		}

		if err := t.DeleteIndex(parent, name); err != nil {
			return err
		}
		if err := t.dropLink(ctx, child); err != nil {
			return err
		}

		parentInode.Attr.Size--
		parentInode.Touch(touchMtime | touchCtime)
		return t.SaveInode(parentInode)
	})
}

// dropLink removes one directory reference from an inode, deleting it and
// its blocks once neither links nor open handles keep it alive.
func (t *Txn) dropLink(ctx context.Context, inode *Inode) error {
	if inode.Attr.Kind == KindDirectory {
		inode.Attr.Nlink = 0
	} else if inode.Attr.Nlink > 0 {
		inode.Attr.Nlink--
	}
	if inode.Attr.Nlink == 0 && inode.OpenedFh == 0 {
		logrus.WithField("ino", inode.Attr.Ino).Debug("removing inode")
		return t.DeleteInode(ctx, inode.Attr.Ino)
	}
	inode.Touch(touchCtime)
	return t.SaveInode(inode)
}

// Rename moves old_parent/old_name to new_parent/new_name, replacing the
// destination unless RENAME_NOREPLACE is set, or swapping the two entries
// under RENAME_EXCHANGE. Index keys are locked in byte order so that
// concurrent cross-directory renames cannot deadlock.
func (fs *Fs) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) error {
	if err := validateName(oldName); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}
	if oldParent == newParent && oldName == newName {
		return nil
	}
	if flags&^uint32(unix.RENAME_NOREPLACE|unix.RENAME_EXCHANGE) != 0 {
		return ErrInvalid
	}

	return fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		var srcIdx, dstIdx *Index
		var err error
		if bytes.Compare(IndexKey(oldParent, oldName), IndexKey(newParent, newName)) < 0 {
			srcIdx, err = t.GetIndexForUpdate(ctx, oldParent, oldName)
			if err == nil {
				dstIdx, err = t.GetIndexForUpdate(ctx, newParent, newName)
			}
		} else {
			dstIdx, err = t.GetIndexForUpdate(ctx, newParent, newName)
			if err == nil {
				srcIdx, err = t.GetIndexForUpdate(ctx, oldParent, oldName)
			}
		}
		if err != nil {
			return err
		}
		if srcIdx == nil {
			return fmt.Errorf("%s: %w", oldName, ErrNotExist)
		}

		if flags&unix.RENAME_EXCHANGE != 0 {
			return t.exchangeEntries(ctx, oldParent, oldName, srcIdx, newParent, newName, dstIdx)
		}

		replaced := false
		if dstIdx != nil {
			if flags&unix.RENAME_NOREPLACE != 0 {
				return fmt.Errorf("%s: %w", newName, ErrExist)
			}
			if dstIdx.Ino == srcIdx.Ino {
				return nil
			}
			dst, err := t.GetInodeForUpdate(ctx, dstIdx.Ino)
			if err != nil {
				return err
			}
			switch {
			case srcIdx.Kind == KindDirectory && dst.Attr.Kind != KindDirectory:
				return ErrNotDir
			case srcIdx.Kind != KindDirectory && dst.Attr.Kind == KindDirectory:
				return ErrIsDir
			case dst.Attr.Kind == KindDirectory:
				notEmpty, err := t.DirHasEntries(ctx, dstIdx.Ino)
				if err != nil {
					return err
				}
				if notEmpty {
					return fmt.Errorf("%s: %w", newName, ErrNotEmpty)
				}
			}
			if err := t.dropLink(ctx, dst); err != nil {
				return err
			}
			replaced = true
		}

		if err := t.SaveIndex(newParent, newName, srcIdx); err != nil {
			return err
		}
		if err := t.DeleteIndex(oldParent, oldName); err != nil {
			return err
		}

		if err := t.renameParents(ctx, oldParent, newParent, replaced); err != nil {
			return err
		}

		src, err := t.GetInodeForUpdate(ctx, srcIdx.Ino)
		if err != nil {
			return err
		}
		src.Touch(touchCtime)
		return t.SaveInode(src)
	})
}

func (t *Txn) exchangeEntries(ctx context.Context, oldParent uint64, oldName string, srcIdx *Index, newParent uint64, newName string, dstIdx *Index) error {
	if dstIdx == nil {
		return fmt.Errorf("%s: %w", newName, ErrNotExist)
	}
	if err := t.SaveIndex(oldParent, oldName, dstIdx); err != nil {
		return err
	}
	if err := t.SaveIndex(newParent, newName, srcIdx); err != nil {
		return err
	}
	for _, ino := range []uint64{srcIdx.Ino, dstIdx.Ino} {
		inode, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		inode.Touch(touchCtime)
		if err := t.SaveInode(inode); err != nil {
			return err
		}
	}
	// Entry counts are unchanged by a swap: both names stay occupied.
	return t.touchParents(ctx, oldParent, newParent)
}

// touchParents updates times on the affected parents without altering
// their entry counts, in inode order.
func (t *Txn) touchParents(ctx context.Context, oldParent, newParent uint64) error {
	parents := []uint64{oldParent}
	if newParent != oldParent {
		if newParent < oldParent {
			parents = []uint64{newParent, oldParent}
		} else {
			parents = append(parents, newParent)
		}
	}
	for _, ino := range parents {
		p, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		p.Touch(touchMtime | touchCtime)
		if err := t.SaveInode(p); err != nil {
			return err
		}
	}
	return nil
}

// renameParents updates entry counts and times on the affected parents.
// Parents are fetched in inode order, for the same deadlock-avoidance
// reason index keys are.
func (t *Txn) renameParents(ctx context.Context, oldParent, newParent uint64, replaced bool) error {
	if oldParent == newParent {
		p, err := t.GetInodeForUpdate(ctx, oldParent)
		if err != nil {
			return err
		}
		if replaced {
			p.Attr.Size--
		}
		p.Touch(touchMtime | touchCtime)
		return t.SaveInode(p)
	}

	first, second := oldParent, newParent
	if second < first {
		first, second = second, first
	}
	p1, err := t.GetInodeForUpdate(ctx, first)
	if err != nil {
		return err
	}
	p2, err := t.GetInodeForUpdate(ctx, second)
	if err != nil {
		return err
	}
	oldP, newP := p1, p2
	if first != oldParent {
		oldP, newP = p2, p1
	}
	oldP.Attr.Size--
	if !replaced {
		newP.Attr.Size++
	}
	oldP.Touch(touchMtime | touchCtime)
	newP.Touch(touchMtime | touchCtime)
	if err := t.SaveInode(oldP); err != nil {
		return err
	}
	return t.SaveInode(newP)
}

// Open allocates a handle on ino and bumps its open count.
func (fs *Fs) Open(ctx context.Context, ino uint64, flags int32) (uint64, error) {
	var fh uint64
	err := fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		if inode.Attr.Kind == KindDirectory {
			return ErrIsDir
		}
		if flags&unix.O_TRUNC != 0 && inode.Attr.Kind == KindRegular {
			if err := t.truncate(ctx, inode, 0); err != nil {
				return err
			}
			inode.Touch(touchMtime | touchCtime)
		}
		fh, err = t.openHandle(ctx, inode, flags)
		return err
	})
	return fh, err
}

func (t *Txn) openHandle(ctx context.Context, inode *Inode, flags int32) (uint64, error) {
	fh := inode.NextFh
	inode.NextFh++
	inode.OpenedFh++
	if err := t.SaveHandle(inode.Attr.Ino, fh, &FileHandle{Flags: flags}); err != nil {
		return 0, err
	}
	if err := t.SaveInode(inode); err != nil {
		return 0, err
	}
	return fh, nil
}

// Release destroys a handle. The last release of an unlinked inode
// completes the deferred removal of the inode and its blocks.
func (fs *Fs) Release(ctx context.Context, ino, fh uint64) error {
	return fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		if err := t.DeleteHandle(ino, fh); err != nil {
			return err
		}
		if inode.OpenedFh > 0 {
			inode.OpenedFh--
		}
		if inode.Attr.Nlink == 0 && inode.OpenedFh == 0 {
			logrus.WithField("ino", ino).Debug("removing unlinked inode on last release")
			return t.DeleteInode(ctx, ino)
		}
		return t.SaveInode(inode)
	})
}

// ReadSymlink returns the link target of a symlink inode.
func (fs *Fs) ReadSymlink(ctx context.Context, ino uint64) ([]byte, error) {
	var target []byte
	err := fs.ReadTransact(ctx, func(t *Txn) error {
		inode, err := t.GetInode(ctx, ino)
		if err != nil {
			return err
		}
		if inode.Attr.Kind != KindSymlink {
			return ErrInvalid
		}
		target = inode.InlineData
		return nil
	})
	return target, err
}

// Lseek implements SEEK_SET/SEEK_CUR/SEEK_END against the persisted
// handle cursor.
func (fs *Fs) Lseek(ctx context.Context, ino, fh uint64, offset int64, whence uint32) (int64, error) {
	var target int64
	err := fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		handle, err := t.GetHandle(ctx, ino, fh)
		if err != nil {
			return err
		}
		inode, err := t.GetInode(ctx, ino)
		if err != nil {
			return err
		}
		switch whence {
		case unix.SEEK_SET:
			target = offset
		case unix.SEEK_CUR:
			target = int64(handle.Cursor) + offset
		case unix.SEEK_END:
			target = int64(inode.Attr.Size) + offset
		default:
			return ErrInvalid
		}
		if target < 0 {
			return ErrInvalid
		}
		handle.Cursor = uint64(target)
		return t.SaveHandle(ino, fh, handle)
	})
	return target, err
}

// DirEnt is one readdir entry.
type DirEnt struct {
	Name string
	Ino  uint64
	Kind FileKind
}

// DirIter streams the entries of a directory: "." and ".." first, then
// the index entries in name byte order, fetched in scanLimit batches.
type DirIter struct {
	fs     *Fs
	ino    uint64
	parent uint64

	synthesized int
	cursor      string
	buf         []DirEnt
	ungot       []DirEnt
	eof         bool
}

// IterDirEnts opens a directory iterator. The parent inode number is only
// used to synthesize the ".." entry; callers pass what they know (the
// mount surface caches it from lookups) or the directory's own number.
func (fs *Fs) IterDirEnts(ctx context.Context, ino, parent uint64) (*DirIter, error) {
	err := fs.ReadTransact(ctx, func(t *Txn) error {
		inode, err := t.GetInode(ctx, ino)
		if err != nil {
			return err
		}
		if inode.Attr.Kind != KindDirectory {
			return ErrNotDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DirIter{fs: fs, ino: ino, parent: parent}, nil
}

func (di *DirIter) Next(ctx context.Context) (DirEnt, error) {
	if n := len(di.ungot); n > 0 {
		ent := di.ungot[n-1]
		di.ungot = di.ungot[:n-1]
		return ent, nil
	}
	switch di.synthesized {
	case 0:
		di.synthesized++
		return DirEnt{Name: ".", Ino: di.ino, Kind: KindDirectory}, nil
	case 1:
		di.synthesized++
		return DirEnt{Name: "..", Ino: di.parent, Kind: KindDirectory}, nil
	}
	if len(di.buf) == 0 {
		if di.eof {
			return DirEnt{}, io.EOF
		}
		if err := di.fill(ctx); err != nil {
			return DirEnt{}, err
		}
		if len(di.buf) == 0 {
			return DirEnt{}, io.EOF
		}
	}
	ent := di.buf[0]
	di.buf = di.buf[1:]
	return ent, nil
}

func (di *DirIter) Unget(ent DirEnt) {
	di.ungot = append(di.ungot, ent)
}

func (di *DirIter) fill(ctx context.Context) error {
	begin, end := IndexPrefixRange(di.ino)
	if di.cursor != "" {
		// Resume just after the last name handed out.
		begin = append(IndexKey(di.ino, di.cursor), 0)
	}
	return di.fs.ReadTransact(ctx, func(t *Txn) error {
		pairs, err := t.Scan(ctx, begin, end, scanLimit)
		if err != nil {
			return err
		}
		if len(pairs) < scanLimit {
			di.eof = true
		}
		for _, pair := range pairs {
			parsed, err := DecodeKey(pair.Key)
			if err != nil {
				return err
			}
			idx := &Index{}
			if err := decodeRecord(pair.Value, idx); err != nil {
				return &MalformedValueError{Scope: ScopeIndex, Key: pair.Key, Err: err}
			}
			di.buf = append(di.buf, DirEnt{Name: parsed.Name, Ino: idx.Ino, Kind: idx.Kind})
			di.cursor = parsed.Name
		}
		return nil
	})
}

// StatFs summarizes filesystem usage.
type StatFs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	NameLen uint32
}

// Reported capacity when no maxsize option is set: 2^32 blocks.
const statfsBlockSentinel = uint64(1) << 32

func (fs *Fs) StatFs(ctx context.Context) (StatFs, error) {
	out := StatFs{
		Bsize:   uint32(fs.blockSize),
		NameLen: MaxNameLen,
	}
	err := fs.ReadTransact(ctx, func(t *Txn) error {
		meta, err := t.GetMeta(ctx)
		if err != nil {
			return err
		}
		if meta == nil {
			return ErrUnformatted
		}
		var files, used uint64
		begin, end := InodeRange(RootIno, meta.InodeNext)
		for {
			pairs, err := t.Scan(ctx, begin, end, scanLimit)
			if err != nil {
				return err
			}
			for _, pair := range pairs {
				inode := &Inode{}
				if err := decodeRecord(pair.Value, inode); err != nil {
					return &MalformedValueError{Scope: ScopeInode, Key: pair.Key, Err: err}
				}
				files++
				used += inode.Attr.Blocks
			}
			if len(pairs) < scanLimit {
				break
			}
			begin = append(pairs[len(pairs)-1].Key, 0)
		}
		total := statfsBlockSentinel
		if fs.opts.MaxSize > 0 {
			total = fs.opts.MaxSize / fs.blockSize
		}
		free := uint64(0)
		if total > used {
			free = total - used
		}
		out.Blocks = total
		out.Bfree = free
		out.Bavail = free
		out.Files = files
		out.Ffree = ^uint64(0) - meta.InodeNext
		return nil
	})
	return out, err
}

// GetLk reports the whole-file lock state of ino as seen by owner. A
// lock held solely by the requester reports as unlocked, matching
// F_GETLK's "would this conflict" semantics.
func (fs *Fs) GetLk(ctx context.Context, ino, owner uint64) (LockKind, error) {
	var kind LockKind
	err := fs.ReadTransact(ctx, func(t *Txn) error {
		inode, err := t.GetInode(ctx, ino)
		if err != nil {
			return err
		}
		ls := &inode.LockState
		kind = ls.Kind
		if len(ls.Owners) == 1 && ls.hasOwner(owner) {
			kind = LockUnlocked
		}
		return nil
	})
	return kind, err
}

// SetLk attempts a whole-file advisory lock transition for owner. It
// returns false when the lock is held in a conflicting mode; blocking
// acquisition is retried above the engine.
func (fs *Fs) SetLk(ctx context.Context, ino, owner uint64, requested LockKind) (bool, error) {
	acquired := false
	err := fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		if inode.Attr.Kind == KindDirectory {
			return ErrInvalid
		}
		acquired = inode.LockState.Transition(owner, requested)
		if !acquired {
			return nil
		}
		return t.SaveInode(inode)
	})
	return acquired, err
}
