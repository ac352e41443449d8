package main

import (
	"context"
	"os"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Hexilee/tifs"
	"github.com/Hexilee/tifs/cli"
)

var (
	mountOptions []string
	debug        bool
	fuseDebug    bool
	allowOther   bool
)

var rootCmd = &cobra.Command{
	Use:   "tifs <kv-endpoint> <mount-point>",
	Short: "Mount a tifs filesystem backed by a transactional key-value store",
	Long: `Mount a tifs filesystem.

The kv endpoint is a comma separated pd address list for tikv, or a
badger:// / memory:// url for single host use. Mount options are given
mount(8) style, e.g. -o blksize=64,direct_io,maxsize=1GiB,tls=tls.toml.`,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMount,
}

func main() {
	rootCmd.Flags().StringArrayVarP(&mountOptions, "option", "o", nil, "filesystem mount options")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "log at debug level")
	rootCmd.Flags().BoolVar(&fuseDebug, "fuse-debug", false, "log raw fuse messages")
	rootCmd.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("argument error")
		os.Exit(cli.ExitUsage)
	}
}

func runMount(cmd *cobra.Command, args []string) error {
	cli.SetupLogging(debug)
	endpoint, mountPoint := args[0], args[1]

	opts, err := tifs.ParseMountOptions(mountOptions)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := cli.OpenStore(ctx, endpoint, opts.TLSPath)
	if err != nil {
		logrus.WithError(err).Error("unable to open store")
		os.Exit(cli.ExitStoreError)
	}

	fs, err := tifs.Attach(ctx, store, opts)
	if err != nil {
		logrus.WithError(err).Error("unable to attach filesystem")
		os.Exit(cli.ExitStoreError)
	}
	defer fs.Close()

	server, err := fuse.NewServer(
		tifs.NewFuseFs(fs, opts),
		mountPoint,
		&fuse.MountOptions{
			Name:                 "tifs",
			FsName:               endpoint,
			AllowOther:           allowOther,
			EnableLocks:          true,
			IgnoreSecurityLabels: true,
			Debug:                fuseDebug,
			MaxWrite:             fuse.MAX_KERNEL_WRITE,
			MaxReadAhead:         fuse.MAX_KERNEL_WRITE,
		})
	if err != nil {
		logrus.WithError(err).Error("unable to create fuse server")
		os.Exit(cli.ExitMountError)
	}

	go server.Serve()

	if err := server.WaitMount(); err != nil {
		logrus.WithError(err).Error("unable to wait for mount")
		os.Exit(cli.ExitMountError)
	}
	cli.RegisterUnmountSignalHandlers(server)
	logrus.WithField("mountpoint", mountPoint).Info("filesystem mounted")

	// Serve until unmounted by signal or fusermount -u.
	server.Wait()
	return nil
}
