// Command dropboxfs mounts a Dropbox account (or a sub-path of one) as a
// read-only FUSE filesystem, backed by a crawled-and-cached local mirror.
// Grounded on dropbox_fs/cli.py: init-or-load action, a crawler goroutine,
// SIGINT-triggered cooperative shutdown with a 60 s grace period and a
// second-SIGINT hard exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jhammerschmidt/dropboxfs/internal/cache"
	"github.com/jhammerschmidt/dropboxfs/internal/crawler"
	"github.com/jhammerschmidt/dropboxfs/internal/fsadapter"
	"github.com/jhammerschmidt/dropboxfs/internal/remote"
	"github.com/jhammerschmidt/dropboxfs/internal/snapshot"
)

// crawlerShutdownGrace bounds how long the supervisor waits for the
// crawler's final snapshot before giving up.
const crawlerShutdownGrace = 60 * time.Second

type cliFlags struct {
	token       string
	path        string
	localFolder string
	verbose     bool
	mountpoint  string
	cacheDir    string
	stateDir    string
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "dropboxfs [init|load]",
		Short: "Mount a Dropbox namespace as a read-only FUSE filesystem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "load"
			if len(args) == 1 {
				action = args[0]
			}
			if action != "init" && action != "load" {
				return fmt.Errorf("action must be %q or %q, got %q", "init", "load", action)
			}
			return run(action, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.token, "token", "t", "", "Dropbox OAuth access token (required for init)")
	pf.StringVarP(&flags.path, "path", "p", "", "remote base path; '' for account root")
	pf.StringVarP(&flags.localFolder, "local-folder", "l", "", "pre-seeded local mirror for getattr/open short-circuit")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug-level logging")
	pf.StringVarP(&flags.mountpoint, "mountpoint", "m", "./mnt", "directory to mount the filesystem at")
	pf.StringVarP(&flags.cacheDir, "cache-dir", "c", "./cache", "local directory backing the read-through file cache")
	pf.StringVarP(&flags.stateDir, "state-dir", "s", ".", "directory holding data.snap/data.snap.prev")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&originalStyleFormatter{})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// originalStyleFormatter reproduces the original's
// "%(asctime)s [%(name)-18.18s] [%(levelname)-5.5s] %(message)s" logging
// format as a logrus.Formatter.
type originalStyleFormatter struct{}

func (originalStyleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	component, _ := e.Data["component"].(string)
	if component == "" {
		component = "dropboxfs"
	}
	if len(component) > 18 {
		component = component[:18]
	}
	level := e.Level.String()
	if len(level) > 5 {
		level = level[:5]
	}
	line := fmt.Sprintf("%s [%-18.18s] [%-5.5s] %s",
		e.Time.Format("2006-01-02 15:04:05,000"), component, level, e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == "component" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, e.Data[k])
	}
	line += "\n"
	return []byte(line), nil
}

func run(action string, flags *cliFlags) error {
	log := newLogger(flags.verbose)
	entry := log.WithField("component", "dropboxfs")

	if err := os.MkdirAll(flags.mountpoint, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint: %w", err)
	}
	if err := os.MkdirAll(flags.cacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	store := snapshot.NewStore(flags.stateDir)

	var client *remote.DropboxClient
	var c *crawler.Crawler

	switch action {
	case "init":
		if flags.token == "" {
			return fmt.Errorf("init requires -t/--token")
		}
		if flags.localFolder != "" {
			if _, err := os.Stat(flags.localFolder); err != nil {
				return fmt.Errorf("local folder not found: %w", err)
			}
		} else {
			entry.Warn("no local dropbox folder specified")
		}
		client = remote.NewDropboxClient(flags.token, entry.WithField("component", "remote"))
		c = crawler.New(client, store, entry.WithField("component", "crawler"))
		if err := c.Init(context.Background(), crawler.Config{
			Token:       flags.token,
			BasePath:    flags.path,
			LocalFolder: flags.localFolder,
		}); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	case "load":
		// The token lives in the snapshot, so it must be read once before a
		// client can be built; Crawler.LoadSnapshot then re-reads it to
		// populate the rest of the aggregate (cursors, tree, config).
		preview, err := store.Load()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no snapshot found; run the %q action first", "init")
			}
			entry.WithError(err).Error("failed to load snapshot")
			os.Exit(1)
		}
		client = remote.NewDropboxClient(preview.DBToken, entry.WithField("component", "remote"))
		c = crawler.New(client, store, entry.WithField("component", "crawler"))
		if err := c.LoadSnapshot(); err != nil {
			entry.WithError(err).Error("failed to load snapshot")
			os.Exit(1)
		}
	}

	fileCache := cache.NewFileCache(flags.cacheDir, client, entry.WithField("component", "cache"))
	adapter := fsadapter.New(c, fileCache, entry.WithField("component", "fsadapter"))

	nfs := pathfs.NewPathNodeFs(newFuseFS(adapter, entry.WithField("component", "fuse")), nil)
	server, _, err := nodefs.MountRoot(flags.mountpoint, nfs.Root(), nil)
	if err != nil {
		return fmt.Errorf("mounting at %s: %w", flags.mountpoint, err)
	}

	crawlCtx, cancelCrawl := context.WithCancel(context.Background())
	defer cancelCrawl()
	crawlErrCh := make(chan error, 1)
	go func() { crawlErrCh <- c.Run(crawlCtx) }()
	go server.Serve()

	return waitForShutdown(entry, c, server, crawlErrCh)
}

// waitForShutdown blocks until SIGINT, then requests cooperative crawler
// shutdown and waits up to crawlerShutdownGrace for it to finish; a second
// SIGINT during that wait exits immediately with code 1.
func waitForShutdown(log *logrus.Entry, c *crawler.Crawler, server *fuse.Server, crawlErrCh chan error) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-crawlErrCh:
		log.WithError(err).Error("crawler exited unexpectedly")
		_ = server.Unmount()
		os.Exit(1)
	}

	log.Info("waiting for crawler to finish (this might take a while)")
	c.Stop()

	done := make(chan struct{})
	go func() {
		<-c.Done()
		close(done)
	}()

	select {
	case <-done:
	case <-sigCh:
		log.Error("second interrupt received, exiting anyway (data may be lost)")
		_ = server.Unmount()
		os.Exit(1)
	case <-time.After(crawlerShutdownGrace):
		log.Error("crawler thread timed out; data may be lost")
		_ = server.Unmount()
		os.Exit(1)
	}

	if err := server.Unmount(); err != nil {
		log.WithError(err).Warn("unmount failed")
	}
	return nil
}
