package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Hexilee/tifs"
	"github.com/Hexilee/tifs/cli"
	"github.com/Hexilee/tifs/kv"
)

var (
	tlsPath string
	debug   bool
)

const scanBatch = 1024

var rootCmd = &cobra.Command{
	Use:           "tifs-debug <dump|stat|fsck> <kv-endpoint>",
	Short:         "Inspect and check a tifs filesystem offline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&tlsPath, "tls", "", "path to a tls client config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "dump <kv-endpoint> [scope]",
			Short: "Dump keys of one scope (meta, inode, block, handle, index) or all",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  runDump,
		},
		&cobra.Command{
			Use:   "stat <kv-endpoint>",
			Short: "Print filesystem summary counters",
			Args:  cobra.ExactArgs(1),
			RunE:  runStat,
		},
		&cobra.Command{
			Use:   "fsck <kv-endpoint>",
			Short: "Verify store invariants",
			Args:  cobra.ExactArgs(1),
			RunE:  runFsck,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(cli.ExitUsage)
	}
}

func openStore(endpoint string) (kv.Store, error) {
	cli.SetupLogging(debug)
	return cli.OpenStore(context.Background(), endpoint, tlsPath)
}

// scanScope walks every key of one scope in batches within one read
// transaction per batch, handing each decoded pair to visit.
func scanScope(ctx context.Context, store kv.Store, scope byte, visit func(tifs.ParsedKey, []byte) error) error {
	begin, end := tifs.ScopeRange(scope)
	for {
		txn, err := store.Begin(ctx, kv.Optimistic)
		if err != nil {
			return err
		}
		pairs, err := txn.Scan(ctx, begin, end, scanBatch)
		_ = txn.Rollback()
		if err != nil {
			return err
		}
		for _, pair := range pairs {
			parsed, err := tifs.DecodeKey(pair.Key)
			if err != nil {
				return err
			}
			if err := visit(parsed, pair.Value); err != nil {
				return err
			}
		}
		if len(pairs) < scanBatch {
			return nil
		}
		begin = append(pairs[len(pairs)-1].Key, 0)
	}
}

var scopeNames = map[string]byte{
	"meta":   tifs.ScopeMeta,
	"inode":  tifs.ScopeInode,
	"block":  tifs.ScopeBlock,
	"handle": tifs.ScopeHandle,
	"index":  tifs.ScopeIndex,
}

func runDump(cmd *cobra.Command, args []string) error {
	store, err := openStore(args[0])
	if err != nil {
		os.Exit(cli.ExitStoreError)
	}
	defer store.Close()

	scopes := []byte{tifs.ScopeMeta, tifs.ScopeInode, tifs.ScopeBlock, tifs.ScopeHandle, tifs.ScopeIndex}
	if len(args) == 2 {
		scope, ok := scopeNames[args[1]]
		if !ok {
			return fmt.Errorf("unknown scope %q", args[1])
		}
		scopes = []byte{scope}
	}

	t := tabby.New()
	t.AddHeader("SCOPE", "INO", "DETAIL", "VALUE")
	ctx := context.Background()
	for _, scope := range scopes {
		err := scanScope(ctx, store, scope, func(k tifs.ParsedKey, value []byte) error {
			switch k.Scope {
			case tifs.ScopeBlock:
				t.AddLine("block", k.Ino, fmt.Sprintf("block %d", k.Block), humanize.IBytes(uint64(len(value))))
				return nil
			case tifs.ScopeHandle:
				t.AddLine("handle", k.Ino, fmt.Sprintf("fh %d", k.Fh), "")
				return nil
			}
			record, err := tifs.DecodeRecord(k, value)
			if err != nil {
				return err
			}
			switch k.Scope {
			case tifs.ScopeMeta:
				t.AddLine("meta", "", "", fmt.Sprintf("%+v", record))
			case tifs.ScopeInode:
				inode := record.(*tifs.Inode)
				t.AddLine("inode", k.Ino, inode.Attr.Kind.String(),
					fmt.Sprintf("size=%s nlink=%d opened=%d", humanize.IBytes(inode.Attr.Size), inode.Attr.Nlink, inode.OpenedFh))
			case tifs.ScopeIndex:
				idx := record.(*tifs.Index)
				t.AddLine("index", k.Ino, k.Name, fmt.Sprintf("-> %d (%s)", idx.Ino, idx.Kind))
			}
			return nil
		})
		if err != nil {
			logrus.WithError(err).Error("scan failed")
			os.Exit(cli.ExitStoreError)
		}
	}
	t.Print()
	return nil
}

func runStat(cmd *cobra.Command, args []string) error {
	store, err := openStore(args[0])
	if err != nil {
		os.Exit(cli.ExitStoreError)
	}
	defer store.Close()

	ctx := context.Background()
	var (
		meta       *tifs.Meta
		inodes     uint64
		usedBytes  uint64
		blockKeys  uint64
		blockBytes uint64
		handles    uint64
		entries    uint64
	)
	err = scanScope(ctx, store, tifs.ScopeMeta, func(k tifs.ParsedKey, value []byte) error {
		record, err := tifs.DecodeRecord(k, value)
		if err != nil {
			return err
		}
		meta = record.(*tifs.Meta)
		return nil
	})
	if err == nil {
		err = scanScope(ctx, store, tifs.ScopeInode, func(k tifs.ParsedKey, value []byte) error {
			record, err := tifs.DecodeRecord(k, value)
			if err != nil {
				return err
			}
			inodes++
			usedBytes += record.(*tifs.Inode).Attr.Size
			return nil
		})
	}
	if err == nil {
		err = scanScope(ctx, store, tifs.ScopeBlock, func(k tifs.ParsedKey, value []byte) error {
			blockKeys++
			blockBytes += uint64(len(value))
			return nil
		})
	}
	if err == nil {
		err = scanScope(ctx, store, tifs.ScopeHandle, func(k tifs.ParsedKey, value []byte) error {
			handles++
			return nil
		})
	}
	if err == nil {
		err = scanScope(ctx, store, tifs.ScopeIndex, func(k tifs.ParsedKey, value []byte) error {
			entries++
			return nil
		})
	}
	if err != nil {
		logrus.WithError(err).Error("scan failed")
		os.Exit(cli.ExitStoreError)
	}
	if meta == nil {
		return fmt.Errorf("filesystem is not formatted")
	}

	t := tabby.New()
	t.AddHeader("FIELD", "VALUE")
	t.AddLine("block size", humanize.IBytes(meta.BlockSize))
	t.AddLine("next inode", meta.InodeNext)
	t.AddLine("inodes", inodes)
	t.AddLine("directory entries", entries)
	t.AddLine("open handles", handles)
	t.AddLine("logical bytes", humanize.IBytes(usedBytes))
	t.AddLine("block keys", blockKeys)
	t.AddLine("stored bytes", humanize.IBytes(blockBytes))
	t.Print()
	return nil
}

type fsckState struct {
	lock sync.Mutex

	meta     *tifs.Meta
	inodes   map[uint64]*tifs.Inode
	refs     map[uint64]uint64
	maxBlock map[uint64]uint64
	handles  map[uint64]uint64
	problems []string
}

func (s *fsckState) problem(format string, args ...interface{}) {
	s.lock.Lock()
	s.problems = append(s.problems, fmt.Sprintf(format, args...))
	s.lock.Unlock()
}

// runFsck verifies the store invariants: index references resolve,
// block counts match sizes, no block sorts past its file's last block,
// the inode counter exceeds every inode, and lock states are legal.
func runFsck(cmd *cobra.Command, args []string) error {
	store, err := openStore(args[0])
	if err != nil {
		os.Exit(cli.ExitStoreError)
	}
	defer store.Close()

	ctx := context.Background()
	state := &fsckState{
		inodes:   make(map[uint64]*tifs.Inode),
		refs:     make(map[uint64]uint64),
		maxBlock: make(map[uint64]uint64),
		handles:  make(map[uint64]uint64),
	}

	// Each scope sweeps in its own goroutine; the store snapshots are
	// close enough for an offline check against a quiesced filesystem.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scanScope(gctx, store, tifs.ScopeMeta, func(k tifs.ParsedKey, value []byte) error {
			record, err := tifs.DecodeRecord(k, value)
			if err != nil {
				return err
			}
			state.lock.Lock()
			state.meta = record.(*tifs.Meta)
			state.lock.Unlock()
			return nil
		})
	})
	g.Go(func() error {
		return scanScope(gctx, store, tifs.ScopeInode, func(k tifs.ParsedKey, value []byte) error {
			record, err := tifs.DecodeRecord(k, value)
			if err != nil {
				return err
			}
			state.lock.Lock()
			state.inodes[k.Ino] = record.(*tifs.Inode)
			state.lock.Unlock()
			return nil
		})
	})
	g.Go(func() error {
		return scanScope(gctx, store, tifs.ScopeIndex, func(k tifs.ParsedKey, value []byte) error {
			record, err := tifs.DecodeRecord(k, value)
			if err != nil {
				return err
			}
			state.lock.Lock()
			state.refs[record.(*tifs.Index).Ino]++
			state.lock.Unlock()
			return nil
		})
	})
	g.Go(func() error {
		return scanScope(gctx, store, tifs.ScopeBlock, func(k tifs.ParsedKey, value []byte) error {
			state.lock.Lock()
			if k.Block >= state.maxBlock[k.Ino] {
				state.maxBlock[k.Ino] = k.Block + 1
			}
			state.lock.Unlock()
			return nil
		})
	})
	g.Go(func() error {
		return scanScope(gctx, store, tifs.ScopeHandle, func(k tifs.ParsedKey, value []byte) error {
			state.lock.Lock()
			state.handles[k.Ino]++
			state.lock.Unlock()
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("scan failed")
		os.Exit(cli.ExitStoreError)
	}

	if state.meta == nil {
		return fmt.Errorf("filesystem is not formatted")
	}

	var maxIno uint64
	for ino, inode := range state.inodes {
		if ino > maxIno {
			maxIno = ino
		}
		attr := inode.Attr
		if attr.Kind != tifs.KindDirectory {
			wantBlocks := (attr.Size + state.meta.BlockSize - 1) / state.meta.BlockSize
			if attr.Blocks != wantBlocks && len(inode.InlineData) == 0 {
				state.problem("inode %d: blocks=%d but size %d implies %d", ino, attr.Blocks, attr.Size, wantBlocks)
			}
			if state.maxBlock[ino] > attr.Blocks {
				state.problem("inode %d: block key at index %d beyond blocks=%d", ino, state.maxBlock[ino]-1, attr.Blocks)
			}
		}
		refs := state.refs[ino]
		switch {
		case ino == tifs.RootIno:
		case attr.Kind == tifs.KindDirectory && refs != 1:
			state.problem("directory %d: %d index references", ino, refs)
		case attr.Kind != tifs.KindDirectory && attr.Nlink != uint32(refs):
			if !(attr.Nlink == 0 && inode.OpenedFh > 0 && refs == 0) {
				state.problem("inode %d: nlink=%d but %d index references", ino, attr.Nlink, refs)
			}
		}
		if inode.OpenedFh != state.handles[ino] {
			state.problem("inode %d: opened_fh=%d but %d handle keys", ino, inode.OpenedFh, state.handles[ino])
		}
		ls := inode.LockState
		if ls.Kind == tifs.LockExclusive && len(ls.Owners) > 1 {
			state.problem("inode %d: exclusive lock with %d owners", ino, len(ls.Owners))
		}
		if ls.Kind == tifs.LockUnlocked && len(ls.Owners) != 0 {
			state.problem("inode %d: unlocked with %d owners", ino, len(ls.Owners))
		}
	}
	for ino := range state.refs {
		if _, ok := state.inodes[ino]; !ok {
			state.problem("index references missing inode %d", ino)
		}
	}
	for ino := range state.maxBlock {
		if _, ok := state.inodes[ino]; !ok {
			state.problem("blocks belong to missing inode %d", ino)
		}
	}
	if state.meta.InodeNext <= maxIno {
		state.problem("meta.inode_next=%d does not exceed max inode %d", state.meta.InodeNext, maxIno)
	}

	if len(state.problems) == 0 {
		fmt.Printf("checked %d inodes: clean\n", len(state.inodes))
		return nil
	}
	t := tabby.New()
	t.AddHeader("PROBLEM")
	for _, p := range state.problems {
		t.AddLine(p)
	}
	t.Print()
	os.Exit(cli.ExitStoreError)
	return nil
}
