// Package cli carries the plumbing shared by the tifs commands: logging
// setup, TLS config loading, store dialing and unmount signal handling.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/Hexilee/tifs/kv"
)

// Command exit codes.
const (
	ExitOK         = 0
	ExitUsage      = 1
	ExitMountError = 2
	ExitStoreError = 3
)

func SetupLogging(debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// LoadTLS reads a TLS client config file (toml/yaml/json, by extension)
// with the keys ca, cert, key and verify-cn.
func LoadTLS(path string) (*kv.TLSOptions, error) {
	if path == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("unable to read tls config %q: %w", path, err)
	}
	tls := &kv.TLSOptions{}
	if err := v.Unmarshal(tls); err != nil {
		return nil, fmt.Errorf("unable to parse tls config %q: %w", path, err)
	}
	return tls, nil
}

// OpenStore loads the TLS config, if any, and dials the kv endpoint.
func OpenStore(ctx context.Context, endpoint, tlsPath string) (kv.Store, error) {
	tls, err := LoadTLS(tlsPath)
	if err != nil {
		return nil, err
	}
	return kv.Open(ctx, endpoint, tls)
}

// RegisterUnmountSignalHandlers unmounts on SIGINT/SIGTERM so the server
// loop can wind down cleanly.
func RegisterUnmountSignalHandlers(server *fuse.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)

	go func() {
		<-sigChan
		signal.Reset()
		fmt.Fprintf(os.Stderr, "unmounting due to signal...\n")
		err := server.Unmount()
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to unmount: %s\n", err)
			os.Exit(ExitMountError)
		}
	}()
}
