// Package fsadapter implements the filesystem boundary contract against the
// Index and File Cache: readdir/getattr/open/read/release translated from
// virtual paths to tree lookups and cache operations. It is independent of
// any FUSE binding so it can be unit-tested without a kernel in the loop;
// cmd/dropboxfs/pathfs.go wires it to github.com/hanwen/go-fuse/v2/fuse/pathfs.
package fsadapter

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/djherbis/times"
	"github.com/sirupsen/logrus"

	"github.com/jhammerschmidt/dropboxfs/internal/cache"
	"github.com/jhammerschmidt/dropboxfs/internal/crawler"
	"github.com/jhammerschmidt/dropboxfs/internal/model"
)

// ErrNotFound is returned by Getattr for a path the Index does not know and
// that has no local mirror either. Open reports such a path as fh==0 with no
// error instead.
var ErrNotFound = errors.New("fsadapter: not found")

const (
	dirMode  = 0o777
	fileMode = 0o666
)

// Attr is the subset of stat(2) fields the FS Adapter can produce, either
// synthesized from the Index or copied from a pre-seeded local mirror file.
type Attr struct {
	IsDir    bool
	Size     uint64
	Mode     uint32
	ModTime  time.Time
	CTime    time.Time
	HasCTime bool
}

// Adapter implements the read-only path-based filesystem contract against
// an Index, an optional pre-seeded local mirror directory, and a File
// Cache.
type Adapter struct {
	index       *model.Index
	cache       *cache.FileCache
	localFolder string
	log         *logrus.Entry
}

// New returns an Adapter reading from c's Index, short-circuiting getattr
// and open through localFolder when it is non-empty, and delegating file
// content to fileCache.
func New(c *crawler.Crawler, fileCache *cache.FileCache, log *logrus.Entry) *Adapter {
	return &Adapter{
		index:       c.Index(),
		cache:       fileCache,
		localFolder: c.LocalFolder(),
		log:         log,
	}
}

func (a *Adapter) localPath(virtualPath string) string {
	if a.localFolder == "" {
		return ""
	}
	return filepath.Join(a.localFolder, filepath.FromSlash(virtualPath))
}

// Readdir resolves path via the Index and returns ".", "..", then folder
// names, then file names. An unknown path yields just ".", "..".
func (a *Adapter) Readdir(virtualPath string) []string {
	entries := []string{".", ".."}
	folder, ok := a.index.FindFolder(virtualPath)
	if !ok {
		return entries
	}
	folders, files := model.List(folder)
	entries = append(entries, folders...)
	entries = append(entries, files...)
	return entries
}

// Getattr returns local mirror attributes when a file already exists at
// localFolder/path; otherwise it synthesizes attributes from the Index.
// Unknown paths return ErrNotFound.
func (a *Adapter) Getattr(virtualPath string) (Attr, error) {
	if local := a.localPath(virtualPath); local != "" {
		if fi, err := os.Stat(local); err == nil {
			return attrFromLocalFile(local, fi), nil
		}
	}

	if virtualPath == "/" || virtualPath == "" {
		return Attr{IsDir: true, Mode: dirMode}, nil
	}
	if _, ok := a.index.FindFolder(virtualPath); ok {
		return Attr{IsDir: true, Mode: dirMode}, nil
	}
	if file, ok := a.index.FindFile(virtualPath); ok {
		return Attr{IsDir: false, Size: file.Size, Mode: fileMode, ModTime: file.Modified}, nil
	}
	return Attr{}, ErrNotFound
}

func attrFromLocalFile(local string, fi os.FileInfo) Attr {
	attr := Attr{
		IsDir:   fi.IsDir(),
		Size:    uint64(fi.Size()),
		ModTime: fi.ModTime(),
	}
	if attr.IsDir {
		attr.Mode = dirMode
	} else {
		attr.Mode = fileMode
	}
	if t, err := times.Stat(local); err == nil {
		attr.HasCTime = true
		if t.HasChangeTime() {
			attr.CTime = t.ChangeTime()
		} else {
			attr.CTime = t.ModTime()
		}
	}
	return attr
}

// Open resolves path. If a local mirror copy exists it is opened directly;
// else, for a file known to the Index, the File Cache takes over (exactly
// one Downloader per remote path). A directory, or an unknown path, yields
// fh==0 with no error, matching the original's "open returns 0" contract
// for non-file paths.
func (a *Adapter) Open(ctx context.Context, virtualPath string) (fh int, err error) {
	if local := a.localPath(virtualPath); local != "" {
		if _, statErr := os.Stat(local); statErr == nil {
			return a.cache.OpenLocal(local)
		}
	}

	if _, ok := a.index.FindFile(virtualPath); !ok {
		return 0, nil
	}
	relPath := path.Clean(virtualPath)
	return a.cache.Open(ctx, virtualPath, relPath, virtualPath)
}

// Read delegates to the File Cache once fh has been validated; fh==0 is
// always an I/O error.
func (a *Adapter) Read(virtualPath string, size int, offset int64, fh int) ([]byte, error) {
	if fh == 0 {
		return nil, errors.New("fsadapter: read with no backing file handle")
	}
	return a.cache.Read(virtualPath, size, offset, fh)
}

// Release delegates to the File Cache's close policy.
func (a *Adapter) Release(virtualPath string, fh int) error {
	if fh == 0 {
		return nil
	}
	return a.cache.Close(fh)
}
