package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhammerschmidt/dropboxfs/internal/model"
)

func sampleTree() *model.Folder {
	root := model.NewFolder("")
	docs := model.NewFolder("docs")
	docs.Files["README.MD"] = &model.File{Name: "README.MD", Size: 42, Modified: time.Unix(1700000000, 0).UTC()}
	root.Folders["docs"] = docs
	return root
}

func TestStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	cursor := "crawl-cursor-1"
	original := Snapshot{
		RootPath:         "/team",
		DBToken:          "tok-abc",
		LocalFolder:      "/mnt/mirror",
		Root:             sampleTree(),
		CrawlCursor:      &cursor,
		UpdateCursor:     "update-cursor-1",
		FinishedCrawling: true,
		LastSave:         time.Unix(1700000100, 0).UTC(),
	}

	require.NoError(t, store.Save(original))

	loaded, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, original.RootPath, loaded.RootPath)
	assert.Equal(t, original.DBToken, loaded.DBToken)
	assert.Equal(t, original.LocalFolder, loaded.LocalFolder)
	assert.Equal(t, original.UpdateCursor, loaded.UpdateCursor)
	assert.Equal(t, original.FinishedCrawling, loaded.FinishedCrawling)
	require.NotNil(t, loaded.CrawlCursor)
	assert.Equal(t, *original.CrawlCursor, *loaded.CrawlCursor)
	assert.True(t, original.LastSave.Equal(loaded.LastSave))

	docs, ok := loaded.Root.Folders["docs"]
	require.True(t, ok)
	readme, ok := docs.Files["README.MD"]
	require.True(t, ok)
	assert.EqualValues(t, 42, readme.Size)
}

func TestStore_PrevBackupCreatedOnSecondSave(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save(Snapshot{Root: model.NewFolder(""), LastSave: time.Now()}))
	require.NoError(t, store.Save(Snapshot{Root: model.NewFolder(""), LastSave: time.Now()}))

	_, err := os.Stat(filepath.Join(dir, "data.snap"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "data.snap.prev"))
	assert.NoError(t, err)
}

func TestStore_LoadFallsBackToPrevWhenPrimaryMissing(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	cursor := "c1"
	first := Snapshot{RootPath: "/a", Root: model.NewFolder(""), CrawlCursor: &cursor, LastSave: time.Now()}
	require.NoError(t, store.Save(first))

	// Simulate a crash between the rename (step 1) and the write (step 2):
	// data.snap is gone, only data.snap.prev remains.
	require.NoError(t, os.Rename(filepath.Join(dir, "data.snap"), filepath.Join(dir, "data.snap.prev")))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "/a", loaded.RootPath)
}

func TestStore_VersionMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save(Snapshot{Root: model.NewFolder(""), LastSave: time.Now()}))

	// Corrupt the stored version field by re-encoding with a bumped version.
	f, err := os.Create(filepath.Join(dir, "data.snap"))
	require.NoError(t, err)
	enc := codec.NewEncoder(f, msgpackHandle)
	require.NoError(t, enc.Encode(&record{Version: Version + 1}))
	require.NoError(t, f.Close())

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrVersionMismatch)
}
