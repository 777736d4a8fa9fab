// Package cache implements the read-through file cache: it downloads
// remote file content on demand to a local mirror, lets readers attach to
// an in-flight download instead of starting a second one, and wakes
// waiting readers as soon as enough bytes have landed on disk. Grounded on
// dropbox_fs/cache.py's FileCache/FileDownloader/SizeWatcher, translated
// from fusepy's synchronous open/read model to Go's os.File plus
// per-watcher channels.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jhammerschmidt/dropboxfs/internal/remote"
)

// ErrUnknownHandle is returned by Read/Close when fh was never returned by
// Open, or was already closed.
var ErrUnknownHandle = errors.New("cache: unknown file handle")

// downloadChunkSize matches the 64 KiB chunking of dropbox_fs/cache.py's
// res.iter_content(2 ** 16).
const downloadChunkSize = 64 * 1024

type downloaderState int

const (
	stateWorking downloaderState = iota
	stateSuccess
	stateFailure
)

// sizeWatcher is a reader's registration for the byte offset it needs
// before it can proceed, the Go rendition of dropbox_fs/cache.py's
// SizeWatcher(Event): a threshold paired with a notification that is
// released once bytesDownloaded reaches it or the download reaches a
// terminal state. signal is closed exactly once, by whichever of
// publish/succeed/fail observes the threshold is satisfied first.
type sizeWatcher struct {
	threshold uint64
	signal    chan struct{}
	once      sync.Once
}

func (w *sizeWatcher) release() {
	w.once.Do(func() { close(w.signal) })
}

// Downloader streams one remote file to a local path on its own goroutine
// and publishes progress to any number of concurrent readers. The backing
// file is created synchronously by the caller (see FileCache.Open) and
// handed in already open, so a reader's os.Open of the same path can never
// race the file's creation the way it would if Downloader created it on its
// own goroutine.
type Downloader struct {
	virtualPath string
	localPath   string
	remotePath  string
	f           *os.File

	mu              sync.Mutex
	bytesDownloaded uint64
	state           downloaderState
	watchers        map[*sizeWatcher]struct{}

	log *logrus.Entry
}

func newDownloader(virtualPath, localPath, remotePath string, f *os.File, log *logrus.Entry) *Downloader {
	return &Downloader{
		virtualPath: virtualPath,
		localPath:   localPath,
		remotePath:  remotePath,
		f:           f,
		watchers:    make(map[*sizeWatcher]struct{}),
		log:         log,
	}
}

func (d *Downloader) run(ctx context.Context, client remote.Client, onFinished func(*Downloader)) {
	defer onFinished(d)
	defer d.f.Close()

	d.log.Debug("downloading")
	dl, err := client.Download(ctx, d.remotePath)
	if err != nil {
		d.log.WithError(err).Warn("download request failed")
		d.fail()
		return
	}
	defer dl.Body.Close()

	buf := make([]byte, downloadChunkSize)
	for {
		n, readErr := dl.Body.Read(buf)
		if n > 0 {
			if _, writeErr := d.f.Write(buf[:n]); writeErr != nil {
				d.log.WithError(writeErr).Error("writing downloaded chunk failed")
				d.fail()
				return
			}
			d.publish(uint64(n))
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			d.log.WithError(readErr).Warn("download stream failed")
			d.fail()
			return
		}
	}
	d.log.Debug("download finished")
	d.succeed()
}

// publish records n more bytes written to disk and releases every watcher
// whose threshold is now satisfied.
func (d *Downloader) publish(n uint64) {
	d.mu.Lock()
	d.bytesDownloaded += n
	for w := range d.watchers {
		if d.bytesDownloaded >= w.threshold {
			w.release()
		}
	}
	d.mu.Unlock()
}

// releaseAll wakes every watcher unconditionally, used on both terminal
// transitions so no reader is stranded.
func (d *Downloader) releaseAll() {
	for w := range d.watchers {
		w.release()
	}
}

func (d *Downloader) succeed() {
	d.mu.Lock()
	d.state = stateSuccess
	d.releaseAll()
	d.mu.Unlock()
}

func (d *Downloader) fail() {
	d.mu.Lock()
	d.state = stateFailure
	d.releaseAll()
	d.mu.Unlock()
}

// waitPollInterval is the bounded re-check period dropbox_fs/cache.py uses
// (watcher.wait(2)) as a safety net against a missed wakeup; Go's channel
// close under the same mutex that guards bytesDownloaded doesn't need it
// for correctness, but it is kept so a watcher that somehow never gets
// signaled (e.g. a future bug in publish) still makes progress instead of
// hanging forever.
const waitPollInterval = 2 * time.Second

// WaitForSize blocks until at least size bytes are known to be on disk, or
// the download has reached a terminal state. It returns true if the caller
// may safely read up to size bytes, false if the download failed.
func (d *Downloader) WaitForSize(size uint64) bool {
	d.mu.Lock()
	if d.state != stateWorking || d.bytesDownloaded >= size {
		failed := d.state == stateFailure
		d.mu.Unlock()
		return !failed
	}

	w := &sizeWatcher{threshold: size, signal: make(chan struct{})}
	d.watchers[w] = struct{}{}
	d.mu.Unlock()

	for {
		select {
		case <-w.signal:
		case <-time.After(waitPollInterval):
		}
		d.mu.Lock()
		if d.state != stateWorking || d.bytesDownloaded >= size {
			delete(d.watchers, w)
			failed := d.state == stateFailure
			d.mu.Unlock()
			return !failed
		}
		d.mu.Unlock()
	}
}

// BytesDownloaded returns a snapshot of progress so far.
func (d *Downloader) BytesDownloaded() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesDownloaded
}

// FileCache manages per-path Downloaders, the open-handle table, and the
// local path layout under base.
type FileCache struct {
	base   string
	client remote.Client
	log    *logrus.Entry

	mu          sync.Mutex
	downloading map[string]*Downloader // keyed by virtual path
	filesOpened map[int]*os.File       // keyed by OS file descriptor
}

// NewFileCache returns a FileCache that mirrors remote content under base.
func NewFileCache(base string, client remote.Client, log *logrus.Entry) *FileCache {
	return &FileCache{
		base:        base,
		client:      client,
		log:         log,
		downloading: make(map[string]*Downloader),
		filesOpened: make(map[int]*os.File),
	}
}

// localPath returns the on-disk mirror path for a virtual path's relative
// component.
func (c *FileCache) localPath(relPath string) string {
	return filepath.Join(c.base, filepath.FromSlash(relPath))
}

// Open implements the hit/miss policy: an existing local mirror is opened
// directly; a miss creates the empty backing file synchronously, right here
// under the cache lock, then hands it to a freshly spun-up Downloader
// goroutine and returns a read-only fd on that same, already-created file.
// Creating the file synchronously (rather than inside the goroutine) is
// what rules out a reader's Open racing ahead of the file's own creation.
func (c *FileCache) Open(ctx context.Context, virtualPath, relPath, remotePath string) (fh int, err error) {
	local := c.localPath(relPath)

	c.mu.Lock()
	if _, downloading := c.downloading[virtualPath]; !downloading {
		if _, statErr := os.Stat(local); statErr == nil {
			c.mu.Unlock()
			return c.openLocal(local)
		}
	}

	d, exists := c.downloading[virtualPath]
	if !exists {
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			c.mu.Unlock()
			return 0, fmt.Errorf("cache: creating parent directories for %s: %w", local, err)
		}
		f, createErr := os.Create(local)
		if createErr != nil {
			c.mu.Unlock()
			return 0, fmt.Errorf("cache: creating %s: %w", local, createErr)
		}
		d = newDownloader(virtualPath, local, remotePath, f, c.log.WithField("path", virtualPath))
		c.downloading[virtualPath] = d
		go d.run(ctx, c.client, c.finishedDownloading)
	}
	c.mu.Unlock()

	return c.openLocal(local)
}

// OpenLocal opens a file that lives outside the cache's own download
// bookkeeping (a pre-seeded local mirror file, for instance) and registers
// it in the same handle table Read/Close use, so callers that bypass
// Downloader entirely still get a valid, trackable fd.
func (c *FileCache) OpenLocal(local string) (int, error) {
	return c.openLocal(local)
}

func (c *FileCache) openLocal(local string) (int, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("cache: opening %s: %w", local, err)
	}
	fd := int(f.Fd())
	c.mu.Lock()
	c.filesOpened[fd] = f
	c.mu.Unlock()
	return fd, nil
}

// Read blocks for enough bytes before reading from the caller's own fd, if
// the path is still downloading. A read landing exactly at EOF returns an
// empty slice rather than an error, matching a plain file read.
func (c *FileCache) Read(virtualPath string, size int, offset int64, fh int) ([]byte, error) {
	c.mu.Lock()
	f, ok := c.filesOpened[fh]
	d, downloading := c.downloading[virtualPath]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownHandle
	}

	if downloading {
		if ok := d.WaitForSize(uint64(offset) + uint64(size)); !ok {
			return nil, fmt.Errorf("cache: download of %s failed", virtualPath)
		}
	}

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		if err == io.EOF {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("cache: reading %s: %w", virtualPath, err)
	}
	return buf[:n], nil
}

// Close removes the fd from the open-handle table and closes the
// underlying file.
func (c *FileCache) Close(fh int) error {
	c.mu.Lock()
	f, ok := c.filesOpened[fh]
	if ok {
		delete(c.filesOpened, fh)
	}
	c.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	return f.Close()
}

// finishedDownloading is the Downloader's finished_callback: it removes
// the entry from the downloading table under the cache lock, regardless of
// success or failure, so a subsequent open of the same path starts a
// fresh Downloader.
func (c *FileCache) finishedDownloading(d *Downloader) {
	c.mu.Lock()
	delete(c.downloading, d.virtualPath)
	c.mu.Unlock()
}
