package fsadapter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhammerschmidt/dropboxfs/internal/cache"
	"github.com/jhammerschmidt/dropboxfs/internal/model"
	"github.com/jhammerschmidt/dropboxfs/internal/remote"
)

type noopClient struct{ remote.Client }

func (noopClient) Download(ctx context.Context, path string) (remote.Download, error) {
	return remote.Download{}, errors.New("unused")
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func newAdapterForTest(t *testing.T, localFolder string) (*Adapter, *model.Index) {
	t.Helper()
	index := model.NewIndex("")
	fc := cache.NewFileCache(t.TempDir(), noopClient{}, testLog())
	a := &Adapter{index: index, cache: fc, localFolder: localFolder, log: testLog()}
	return a, index
}

func TestAdapter_ReaddirEmptyRoot(t *testing.T) {
	a, _ := newAdapterForTest(t, "")
	entries := a.Readdir("/")
	assert.ElementsMatch(t, []string{".", ".."}, entries)
}

func TestAdapter_ReaddirUnknownPathReturnsDotsOnly(t *testing.T) {
	a, _ := newAdapterForTest(t, "")
	entries := a.Readdir("/nope")
	assert.ElementsMatch(t, []string{".", ".."}, entries)
}

func TestAdapter_ReaddirListsFoldersAndFiles(t *testing.T) {
	a, index := newAdapterForTest(t, "")
	index.ApplyBatch([]model.Entry{
		{Kind: model.EntryFolder, PathDisplay: "/docs"},
		{Kind: model.EntryFile, PathDisplay: "/readme.txt", Size: 3, ServerModified: time.Now()},
	})
	entries := a.Readdir("/")
	assert.ElementsMatch(t, []string{".", "..", "docs", "readme.txt"}, entries)
}

func TestAdapter_GetattrUnknownPathFails(t *testing.T) {
	a, _ := newAdapterForTest(t, "")
	_, err := a.Getattr("/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdapter_GetattrSynthesizesFromIndex(t *testing.T) {
	a, index := newAdapterForTest(t, "")
	mtime := time.Unix(1700000000, 0).UTC()
	index.ApplyBatch([]model.Entry{{Kind: model.EntryFile, PathDisplay: "/a.txt", Size: 123, ServerModified: mtime}})

	attr, err := a.Getattr("/a.txt")
	require.NoError(t, err)
	assert.False(t, attr.IsDir)
	assert.EqualValues(t, 123, attr.Size)
	assert.True(t, mtime.Equal(attr.ModTime))
}

func TestAdapter_GetattrPrefersLocalMirror(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	a, index := newAdapterForTest(t, dir)
	// The Index disagrees about the size; the local mirror must win.
	index.ApplyBatch([]model.Entry{{Kind: model.EntryFile, PathDisplay: "/a.txt", Size: 999}})

	attr, err := a.Getattr("/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, attr.Size)
}

func TestAdapter_OpenDirectoryReturnsZero(t *testing.T) {
	a, index := newAdapterForTest(t, "")
	index.ApplyBatch([]model.Entry{{Kind: model.EntryFolder, PathDisplay: "/docs"}})
	fh, err := a.Open(context.Background(), "/docs")
	require.NoError(t, err)
	assert.Equal(t, 0, fh)
}

func TestAdapter_ReadWithZeroHandleFails(t *testing.T) {
	a, _ := newAdapterForTest(t, "")
	_, err := a.Read("/a.txt", 10, 0, 0)
	assert.Error(t, err)
}

func TestAdapter_ReleaseWithZeroHandleIsNoop(t *testing.T) {
	a, _ := newAdapterForTest(t, "")
	assert.NoError(t, a.Release("/a.txt", 0))
}
