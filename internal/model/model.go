// Package model holds the in-memory mirror of the remote namespace: the
// Folder/File tree, and the Index that applies change batches to it under
// a single-writer/many-readers lock.
package model

import (
	"strings"
	"sync"
	"time"
)

// File is a leaf entry in the tree.
type File struct {
	Name     string
	Size     uint64
	Modified time.Time
}

// Folder is an interior node. Folders and Files are keyed by their current
// display name; lookups against those maps must go through the
// case-insensitive helpers below so no folder ever ends up with two
// children whose names differ only by case.
type Folder struct {
	Name    string
	Folders map[string]*Folder
	Files   map[string]*File
}

// NewFolder returns an empty folder named name.
func NewFolder(name string) *Folder {
	return &Folder{
		Name:    name,
		Folders: make(map[string]*Folder),
		Files:   make(map[string]*File),
	}
}

// EntryKind tags the three shapes a remote change-log entry can take.
type EntryKind int

const (
	// EntryFile announces a file was created or changed.
	EntryFile EntryKind = iota
	// EntryFolder announces a folder was created or changed.
	EntryFolder
	// EntryDeleted announces a path (file or folder) was removed.
	EntryDeleted
)

// Entry is a single change-log item, as decoded from the remote client's
// paged/long-polled responses. PathDisplay always starts with '/'.
type Entry struct {
	Kind           EntryKind
	PathDisplay    string
	Size           uint64
	ServerModified time.Time
}

// Index is the tree plus the single-writer/many-readers discipline: the
// crawler calls ApplyBatch, readers call FindFolder and List under the
// same lock.
type Index struct {
	mu   sync.RWMutex
	root *Folder
}

// NewIndex returns an Index with an empty root named rootName.
func NewIndex(rootName string) *Index {
	return &Index{root: NewFolder(rootName)}
}

// SetRoot replaces the whole tree, e.g. after loading a snapshot.
func (ix *Index) SetRoot(root *Folder) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.root = root
}

// Root returns the current root folder. Callers must not mutate it outside
// of ApplyBatch; it is returned for read-only traversal and for snapshotting.
func (ix *Index) Root() *Folder {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.root
}

// lookupFolderCaseInsensitive returns the key stored in folders that matches name
// case-insensitively, and ok=true if one exists.
func lookupFolderCaseInsensitive(folders map[string]*Folder, name string) (string, bool) {
	lower := strings.ToLower(name)
	for k := range folders {
		if strings.ToLower(k) == lower {
			return k, true
		}
	}
	return "", false
}

func lookupFileCaseInsensitive(files map[string]*File, name string) (string, bool) {
	lower := strings.ToLower(name)
	for k := range files {
		if strings.ToLower(k) == lower {
			return k, true
		}
	}
	return "", false
}

// removeCaseInsensitive deletes any key matching name case-insensitively
// from both maps of a folder (used when a Deleted entry arrives).
func removeCaseInsensitive(folder *Folder, name string) {
	if k, ok := lookupFileCaseInsensitive(folder.Files, name); ok {
		delete(folder.Files, k)
	}
	if k, ok := lookupFolderCaseInsensitive(folder.Folders, name); ok {
		delete(folder.Folders, k)
	}
}

// descend walks path components (all but the last, the leaf) from folder,
// creating any missing intermediate folder with the component's current
// casing, and matching existing intermediates case-insensitively. When
// rename is set, a matched intermediate whose key differs in case is
// re-keyed and renamed to the component's casing, keeping its children.
func descend(root *Folder, components []string, rename bool) *Folder {
	folder := root
	for _, c := range components {
		if existing, ok := lookupFolderCaseInsensitive(folder.Folders, c); ok {
			next := folder.Folders[existing]
			if rename && existing != c {
				delete(folder.Folders, existing)
				next.Name = c
				folder.Folders[c] = next
			}
			folder = next
			continue
		}
		next := NewFolder(c)
		folder.Folders[c] = next
		folder = next
	}
	return folder
}

// splitPath turns "/a/b/c.txt" into ["a","b","c.txt"]. PathDisplay always
// begins with '/'.
func splitPath(pathDisplay string) []string {
	trimmed := strings.TrimPrefix(pathDisplay, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// ApplyBatch applies every entry in the batch to the tree under a single
// write-lock acquisition, so readers never observe a partial batch. Entries
// are applied in order; callers should advance their cursor only to the
// cursor the remote call returned, never earlier, so a crash never skips
// the entries that produced it.
func (ix *Index) ApplyBatch(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range entries {
		components := splitPath(e.PathDisplay)
		if len(components) == 0 {
			continue
		}
		folder := descend(ix.root, components[:len(components)-1], e.Kind != EntryDeleted)
		leaf := components[len(components)-1]

		switch e.Kind {
		case EntryFile:
			if _, exact := folder.Files[leaf]; !exact {
				removeCaseInsensitive(folder, leaf)
			}
			folder.Files[leaf] = &File{Name: leaf, Size: e.Size, Modified: e.ServerModified}
		case EntryFolder:
			if _, exact := folder.Folders[leaf]; !exact {
				removeCaseInsensitive(folder, leaf)
			}
			folder.Folders[leaf] = NewFolder(leaf)
		case EntryDeleted:
			removeCaseInsensitive(folder, leaf)
		}
	}
}

// FindFolder resolves a '/'-delimited path against the current tree. The
// root is returned for "/"; an unknown path yields (nil, false). Matching is
// case-sensitive: display names track server casing and callers that need
// case-insensitive resolution should go through List first.
func (ix *Index) FindFolder(path string) (*Folder, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	folder := ix.root
	if path == "/" || path == "" {
		return folder, true
	}
	for _, part := range splitPath(path) {
		next, ok := folder.Folders[part]
		if !ok {
			return nil, false
		}
		folder = next
	}
	return folder, true
}

// FindFile resolves the file at path, if any.
func (ix *Index) FindFile(path string) (*File, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	components := splitPath(path)
	if len(components) == 0 {
		return nil, false
	}
	folder := ix.root
	for _, part := range components[:len(components)-1] {
		next, ok := folder.Folders[part]
		if !ok {
			return nil, false
		}
		folder = next
	}
	f, ok := folder.Files[components[len(components)-1]]
	return f, ok
}

// List returns the child folder and file names of folder, in no particular
// order; callers are responsible for any '.'/'..' prefix a directory
// listing needs.
func List(folder *Folder) (folders []string, files []string) {
	folders = make([]string, 0, len(folder.Folders))
	for name := range folder.Folders {
		folders = append(folders, name)
	}
	files = make([]string, 0, len(folder.Files))
	for name := range folder.Files {
		files = append(files, name)
	}
	return folders, files
}
