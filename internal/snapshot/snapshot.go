// Package snapshot implements the crash-recoverable serialization of the
// Index plus crawler configuration and cursors. The write protocol mirrors
// the original's shutil.move(data_file, 'data.prev.pkl') dance, reproduced
// with os.Rename; the payload format is msgpack.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/jhammerschmidt/dropboxfs/internal/model"
)

// Version is bumped whenever the on-disk record's shape changes. Loading a
// snapshot written by a different version is a fatal, loud failure.
const Version = 1

// ErrVersionMismatch is returned by Load when the snapshot's stored version
// does not match Version.
var ErrVersionMismatch = errors.New("snapshot: incompatible version")

// folderWire / fileWire are the msgpack wire shapes for the tree. The live
// model.Folder/model.File types aren't used directly for wire encoding
// because their map-based children are written out as slices (in map
// iteration order, so not sorted) and the wire format should be free to
// evolve independently of the in-memory tree's shape.
type fileWire struct {
	Name     string
	Size     uint64
	Modified int64 // unix nanoseconds
}

type folderWire struct {
	Name    string
	Folders []folderWire
	Files   []fileWire
}

func toWireFolder(f *model.Folder) folderWire {
	w := folderWire{Name: f.Name}
	for _, child := range f.Folders {
		w.Folders = append(w.Folders, toWireFolder(child))
	}
	for _, file := range f.Files {
		w.Files = append(w.Files, fileWire{
			Name:     file.Name,
			Size:     file.Size,
			Modified: file.Modified.UnixNano(),
		})
	}
	return w
}

func fromWireFolder(w folderWire) *model.Folder {
	f := model.NewFolder(w.Name)
	for _, child := range w.Folders {
		folder := fromWireFolder(child)
		f.Folders[folder.Name] = folder
	}
	for _, file := range w.Files {
		f.Files[file.Name] = &model.File{
			Name:     file.Name,
			Size:     file.Size,
			Modified: time.Unix(0, file.Modified).UTC(),
		}
	}
	return f
}

// record is the on-disk shape written by Store.Save and read by
// Store.Load. Version is always the first field encoded; Load decodes the
// whole record and then rejects it if Version differs from this binary's.
type record struct {
	Version          int
	RootPath         string
	DBToken          string
	LocalFolder      string
	Root             folderWire
	CrawlCursor      string
	CrawlCursorSet   bool
	UpdateCursor     string
	FinishedCrawling bool
	LastSave         int64
}

// Snapshot is the in-memory form of the record, the shape the rest of the
// core talks to.
type Snapshot struct {
	RootPath         string
	DBToken          string
	LocalFolder      string
	Root             *model.Folder
	CrawlCursor      *string
	UpdateCursor     string
	FinishedCrawling bool
	LastSave         time.Time
}

// Store implements the write/read protocol against two files,
// dataFile ("data.snap") and its one-deep backup ("data.snap.prev"),
// both resolved relative to dir.
type Store struct {
	path     string
	prevPath string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		path:     filepath.Join(dir, "data.snap"),
		prevPath: filepath.Join(dir, "data.snap.prev"),
	}
}

var msgpackHandle = &codec.MsgpackHandle{}

// Save writes snap to disk following the rename-then-write protocol: the
// existing data.snap (if any) becomes data.snap.prev, then a fresh
// data.snap is written and flushed. A crash between the two steps leaves
// whichever file it didn't touch fully intact.
func (s *Store) Save(snap Snapshot) error {
	if err := os.Rename(s.path, s.prevPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: backing up previous snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot: creating %s: %w", tmp, err)
	}

	rec := record{
		Version:          Version,
		RootPath:         snap.RootPath,
		DBToken:          snap.DBToken,
		LocalFolder:      snap.LocalFolder,
		Root:             toWireFolder(snap.Root),
		UpdateCursor:     snap.UpdateCursor,
		FinishedCrawling: snap.FinishedCrawling,
		LastSave:         snap.LastSave.UnixNano(),
	}
	if snap.CrawlCursor != nil {
		rec.CrawlCursor = *snap.CrawlCursor
		rec.CrawlCursorSet = true
	}

	enc := codec.NewEncoder(f, msgpackHandle)
	if err := enc.Encode(&rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: encoding: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: flushing: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: closing: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("snapshot: finalizing %s: %w", s.path, err)
	}
	return nil
}

// Load reads data.snap, falling back to data.snap.prev if the primary file
// is missing or fails to decode. An ErrVersionMismatch is fatal and is not
// masked by the fallback: a version-incompatible primary file means a
// version-incompatible install, not a torn write.
func (s *Store) Load() (Snapshot, error) {
	snap, err := s.loadFile(s.path)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, ErrVersionMismatch) {
		return Snapshot{}, err
	}
	return s.loadFile(s.prevPath)
}

func (s *Store) loadFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	defer f.Close()

	var rec record
	dec := codec.NewDecoder(f, msgpackHandle)
	if err := dec.Decode(&rec); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decoding %s: %w", path, err)
	}
	if rec.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: file has version %d, binary expects %d", ErrVersionMismatch, rec.Version, Version)
	}

	snap := Snapshot{
		RootPath:         rec.RootPath,
		DBToken:          rec.DBToken,
		LocalFolder:      rec.LocalFolder,
		Root:             fromWireFolder(rec.Root),
		UpdateCursor:     rec.UpdateCursor,
		FinishedCrawling: rec.FinishedCrawling,
		LastSave:         time.Unix(0, rec.LastSave).UTC(),
	}
	if rec.CrawlCursorSet {
		cursor := rec.CrawlCursor
		snap.CrawlCursor = &cursor
	}
	return snap, nil
}
