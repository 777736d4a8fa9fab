package main

import (
	"context"
	"errors"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/sirupsen/logrus"

	"github.com/jhammerschmidt/dropboxfs/internal/fsadapter"
)

// fuseFS is the thin binding between internal/fsadapter's pure, path-keyed
// logic and github.com/hanwen/go-fuse/v2/fuse/pathfs's FileSystem
// interface. Everything that isn't readdir/getattr/open/read/release comes
// from pathfs.NewDefaultFileSystem, matching the original's read-only
// fusepy Operations class, which likewise only overrides those five calls.
type fuseFS struct {
	pathfs.FileSystem
	adapter *fsadapter.Adapter
	log     *logrus.Entry
}

func newFuseFS(adapter *fsadapter.Adapter, log *logrus.Entry) pathfs.FileSystem {
	return &fuseFS{
		FileSystem: pathfs.NewDefaultFileSystem(),
		adapter:    adapter,
		log:        log,
	}
}

func toVirtualPath(name string) string {
	if name == "" {
		return "/"
	}
	return "/" + name
}

func (fs *fuseFS) GetAttr(name string, ctx *fuse.Context) (*fuse.Attr, fuse.Status) {
	attr, err := fs.adapter.Getattr(toVirtualPath(name))
	if err != nil {
		if errors.Is(err, fsadapter.ErrNotFound) {
			return nil, fuse.ENOENT
		}
		fs.log.WithError(err).WithField("path", name).Warn("getattr failed")
		return nil, fuse.EIO
	}

	out := &fuse.Attr{
		Size: attr.Size,
		Mode: attr.Mode,
	}
	if attr.IsDir {
		out.Mode |= fuse.S_IFDIR
	} else {
		out.Mode |= fuse.S_IFREG
	}
	out.SetTimes(nil, &attr.ModTime, nil)
	if attr.HasCTime {
		out.Ctime = uint64(attr.CTime.Unix())
		out.Ctimensec = uint32(attr.CTime.Nanosecond())
	}
	return out, fuse.OK
}

func (fs *fuseFS) OpenDir(name string, ctx *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	names := fs.adapter.Readdir(toVirtualPath(name))
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, n := range names {
		mode := uint32(fuse.S_IFREG)
		if n == "." || n == ".." {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: n, Mode: mode})
	}
	return entries, fuse.OK
}

func (fs *fuseFS) Open(name string, flags uint32, ctx *fuse.Context) (nodefs.File, fuse.Status) {
	fh, err := fs.adapter.Open(context.Background(), toVirtualPath(name))
	if err != nil {
		fs.log.WithError(err).WithField("path", name).Warn("open failed")
		return nil, fuse.EIO
	}
	return &fuseFile{File: nodefs.NewDefaultFile(), adapter: fs.adapter, virtualPath: toVirtualPath(name), fh: fh}, fuse.OK
}

// fuseFile adapts the File Cache's (size, offset, fh)-keyed reads to
// nodefs.File's Read/Release contract.
type fuseFile struct {
	nodefs.File
	adapter     *fsadapter.Adapter
	virtualPath string
	fh          int
}

func (f *fuseFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	data, err := f.adapter.Read(f.virtualPath, len(dest), off, f.fh)
	if err != nil {
		return nil, fuse.EIO
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (f *fuseFile) Release() {
	_ = f.adapter.Release(f.virtualPath, f.fh)
}

func (f *fuseFile) GetAttr(out *fuse.Attr) fuse.Status {
	attr, err := f.adapter.Getattr(f.virtualPath)
	if err != nil {
		return fuse.EIO
	}
	out.Size = attr.Size
	out.Mode = fuse.S_IFREG | attr.Mode
	out.SetTimes(nil, &attr.ModTime, nil)
	return fuse.OK
}
