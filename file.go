package tifs

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Hexilee/tifs/kv"
)

// Blocks are stored with trailing zeros trimmed; a short or absent block
// reads back as zeros up to the block size. Blocks trimmed to nothing are
// deleted so sparse files stay sparse in the store.
func zeroTrim(block []byte) []byte {
	i := len(block) - 1
	for ; i >= 0; i-- {
		if block[i] != 0 {
			break
		}
	}
	return block[:i+1]
}

func zeroExpand(block []byte, size uint64) []byte {
	for uint64(len(block)) < size {
		block = append(block, 0)
	}
	return block
}

// ReadData reads up to len(buf) bytes at offset into buf and returns the
// byte count. Reads past the end of the file return io.EOF. The whole
// range is served from one range scan inside a single read transaction;
// holes read as zeros.
func (fs *Fs) ReadData(ctx context.Context, ino uint64, buf []byte, offset uint64) (int, error) {
	nRead := 0
	err := fs.ReadTransact(ctx, func(t *Txn) error {
		inode, err := t.GetInode(ctx, ino)
		if err != nil {
			return err
		}
		if inode.Attr.Kind == KindDirectory {
			return ErrIsDir
		}
		if offset >= inode.Attr.Size {
			return io.EOF
		}
		out := buf
		if remaining := inode.Attr.Size - offset; uint64(len(out)) > remaining {
			out = out[:remaining]
		}

		b := fs.blockSize
		iStart := offset / b
		iEnd := (offset + uint64(len(out)) - 1) / b
		begin, end := BlockRange(ino, iStart, iEnd+1)
		pairs, err := t.Scan(ctx, begin, end, int(iEnd-iStart+1))
		if err != nil {
			return err
		}

		// Zero the output first; present blocks overwrite their slices.
		for i := range out {
			out[i] = 0
		}
		for _, pair := range pairs {
			parsed, err := DecodeKey(pair.Key)
			if err != nil {
				return err
			}
			blockStart := parsed.Block * b
			data := pair.Value
			// The portion of this block intersecting [offset, offset+len).
			from := uint64(0)
			if offset > blockStart {
				from = offset - blockStart
			}
			if from >= uint64(len(data)) {
				continue
			}
			copy(out[blockStart+from-offset:], data[from:])
		}
		nRead = len(out)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if fs.opts.Atime {
		fs.touchAtime(ino)
	}
	return nRead, nil
}

// Atime updates are opportunistic: a failed touch never fails the read.
func (fs *Fs) touchAtime(ino uint64) {
	ctx := context.Background()
	err := fs.Transact(ctx, kv.Optimistic, func(t *Txn) error {
		inode, err := t.GetInode(ctx, ino)
		if err != nil {
			return err
		}
		inode.Touch(touchAtime)
		return t.SaveInode(inode)
	})
	if err != nil {
		logrus.WithField("ino", ino).WithError(err).Debug("atime update dropped")
	}
}

// WriteData writes data at offset within one transaction: either every
// byte is durable at commit or none is. Boundary blocks are composed with
// their existing content under get-for-update; fully covered interior
// blocks are overwritten blind.
func (fs *Fs) WriteData(ctx context.Context, ino uint64, data []byte, offset uint64) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	err := fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		if inode.Attr.Kind != KindRegular {
			return ErrInvalid
		}
		target := offset + uint64(len(data))
		if fs.opts.MaxSize > 0 && target > fs.opts.MaxSize {
			return fmt.Errorf("write to %d bytes: %w", target, ErrNoSpace)
		}

		if err := t.writeBlocks(ctx, ino, data, offset); err != nil {
			return err
		}

		if target < inode.Attr.Size {
			target = inode.Attr.Size
		}
		inode.Attr.SetSize(target, fs.blockSize)
		inode.Touch(touchMtime | touchCtime)
		return t.SaveInode(inode)
	})
	if err != nil {
		return 0, err
	}
	return uint32(len(data)), nil
}

func (t *Txn) writeBlocks(ctx context.Context, ino uint64, data []byte, offset uint64) error {
	b := t.fs.blockSize
	iStart := offset / b
	iEnd := (offset + uint64(len(data)) - 1) / b

	for i := iStart; i <= iEnd; i++ {
		blockStart := i * b
		from := uint64(0)
		if offset > blockStart {
			from = offset - blockStart
		}
		to := b
		if end := offset + uint64(len(data)); end < blockStart+b {
			to = end - blockStart
		}
		chunk := data[blockStart+from-offset : blockStart+to-offset]

		var block []byte
		if from == 0 && to == b {
			// Fully covered: overwrite without reading.
			block = chunk
		} else {
			// A boundary block composes with existing content, locked to
			// serialize against concurrent tail truncates and appends.
			existing, err := t.GetForUpdate(ctx, BlockKey(ino, i))
			if err != nil {
				return err
			}
			block = zeroExpand(existing, to)
			copy(block[from:to], chunk)
		}

		block = zeroTrim(block)
		key := BlockKey(ino, i)
		if len(block) == 0 {
			if err := t.Delete(key); err != nil {
				return err
			}
		} else if err := t.Put(key, block); err != nil {
			return err
		}
	}
	return nil
}

// truncate changes a regular file's logical size. Shrinking deletes the
// out-of-range blocks and cuts the tail block in place; growth is sparse.
// The caller saves the inode.
func (t *Txn) truncate(ctx context.Context, inode *Inode, newSize uint64) error {
	if inode.Attr.Kind != KindRegular {
		return ErrInvalid
	}
	if t.fs.opts.MaxSize > 0 && newSize > t.fs.opts.MaxSize {
		return fmt.Errorf("truncate to %d bytes: %w", newSize, ErrNoSpace)
	}
	b := t.fs.blockSize

	if newSize >= inode.Attr.Size {
		inode.Attr.SetSize(newSize, b)
		return nil
	}

	newBlocks := (newSize + b - 1) / b
	_, stop := BlockPrefixRange(inode.Attr.Ino)
	if err := t.deletePrefix(ctx, BlockKey(inode.Attr.Ino, newBlocks), stop); err != nil {
		return err
	}
	if r := newSize % b; r != 0 {
		tailKey := BlockKey(inode.Attr.Ino, newSize/b)
		tail, err := t.Get(ctx, tailKey)
		if err != nil {
			return err
		}
		if uint64(len(tail)) > r {
			tail = zeroTrim(tail[:r])
			if len(tail) == 0 {
				if err := t.Delete(tailKey); err != nil {
					return err
				}
			} else if err := t.Put(tailKey, tail); err != nil {
				return err
			}
		}
	}
	inode.Attr.SetSize(newSize, b)
	return nil
}

// Fallocate preallocates or punches holes. Allocation is purely logical:
// an extended range stays sparse until written.
func (fs *Fs) Fallocate(ctx context.Context, ino uint64, offset, length uint64, mode uint32) error {
	if length == 0 {
		return ErrInvalid
	}
	return fs.Transact(ctx, kv.Pessimistic, func(t *Txn) error {
		inode, err := t.GetInodeForUpdate(ctx, ino)
		if err != nil {
			return err
		}
		if inode.Attr.Kind != KindRegular {
			return ErrInvalid
		}

		if mode&unix.FALLOC_FL_PUNCH_HOLE != 0 {
			if mode&unix.FALLOC_FL_KEEP_SIZE == 0 {
				return ErrInvalid
			}
			if err := t.punchHole(ctx, inode, offset, length); err != nil {
				return err
			}
		} else {
			target := offset + length
			if fs.opts.MaxSize > 0 && target > fs.opts.MaxSize {
				return fmt.Errorf("fallocate to %d bytes: %w", target, ErrNoSpace)
			}
			if mode&unix.FALLOC_FL_KEEP_SIZE == 0 && target > inode.Attr.Size {
				if err := t.truncate(ctx, inode, target); err != nil {
					return err
				}
			}
		}
		inode.Touch(touchMtime | touchCtime)
		return t.SaveInode(inode)
	})
}

// punchHole zeroes [offset, offset+length): fully covered blocks are
// deleted, boundary blocks are zeroed in place.
func (t *Txn) punchHole(ctx context.Context, inode *Inode, offset, length uint64) error {
	end := offset + length
	if end > inode.Attr.Size {
		end = inode.Attr.Size
	}
	if offset >= end {
		return nil
	}

	b := t.fs.blockSize
	ino := inode.Attr.Ino

	firstFull := (offset + b - 1) / b
	lastFull := end / b
	if firstFull < lastFull {
		if err := t.deletePrefix(ctx, BlockKey(ino, firstFull), BlockKey(ino, lastFull)); err != nil {
			return err
		}
	}
	zeroSpan := func(index, from, to uint64) error {
		key := BlockKey(ino, index)
		block, err := t.GetForUpdate(ctx, key)
		if err != nil {
			return err
		}
		if block == nil {
			return nil
		}
		for i := from; i < to && i < uint64(len(block)); i++ {
			block[i] = 0
		}
		block = zeroTrim(block)
		if len(block) == 0 {
			return t.Delete(key)
		}
		return t.Put(key, block)
	}
	if r := offset % b; r != 0 {
		to := b
		if offset/b == (end-1)/b {
			to = (end-1)%b + 1
		}
		if err := zeroSpan(offset/b, r, to); err != nil {
			return err
		}
	}
	if r := end % b; r != 0 && (offset%b == 0 || offset/b != (end-1)/b) {
		if err := zeroSpan(end/b, 0, r); err != nil {
			return err
		}
	}
	return nil
}
