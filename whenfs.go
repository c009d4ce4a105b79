// Package whenfs defines the objects WhenFS persists to a calendar: the
// attribute block, the file/directory union, and directory entries.
package whenfs

import "time"

// RootInode is the inode number of the filesystem root directory.  The
// welcome file is always allocated immediately after it.
const RootInode uint64 = 1

// BlockSize is the fixed block size reported in every attribute block.
const BlockSize uint32 = 512

// Kind discriminates the two object variants.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Attr is the attribute block shared by both object variants.  Perm
// carries the 9 permission bits plus the setuid/setgid/sticky bits.
type Attr struct {
	Ino       uint64    `json:"ino"`
	Size      uint64    `json:"size"`
	Blocks    uint64    `json:"blocks"`
	Atime     time.Time `json:"atime"`
	Mtime     time.Time `json:"mtime"`
	Ctime     time.Time `json:"ctime"`
	Crtime    time.Time `json:"crtime"`
	Kind      Kind      `json:"kind"`
	Perm      uint16    `json:"perm"`
	Nlink     uint32    `json:"nlink"`
	UID       uint32    `json:"uid"`
	GID       uint32    `json:"gid"`
	Rdev      uint32    `json:"rdev"`
	BlockSize uint32    `json:"blksize"`
	Flags     uint32    `json:"flags"`
}

// DirectoryEntry names one child of a directory.  Entries are unique by
// Ino within a directory; two entries are the same entry iff their
// inodes match, regardless of name.
type DirectoryEntry struct {
	Ino  uint64 `json:"ino"`
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// FileObject is a regular file with its full contents resident.
type FileObject struct {
	Attr Attr   `json:"attr"`
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// DirectoryObject is a directory and its entry set.  Entries are kept
// in insertion order so that repeated readdir calls against the same
// directory version iterate identically.
type DirectoryObject struct {
	Attr    Attr             `json:"attr"`
	Entries []DirectoryEntry `json:"entries"`
	Name    string           `json:"name"`
}

// EntryByName does a linear scan for an entry with the given name.
// The entry set is keyed by inode, so name lookup is O(n).
func (d *DirectoryObject) EntryByName(name string) (DirectoryEntry, bool) {
	for _, e := range d.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return DirectoryEntry{}, false
}

// AddEntry inserts an entry, replacing any existing entry with the same
// inode.
func (d *DirectoryObject) AddEntry(entry DirectoryEntry) {
	for i, e := range d.Entries {
		if e.Ino == entry.Ino {
			d.Entries[i] = entry
			return
		}
	}
	d.Entries = append(d.Entries, entry)
}

// FileSystemObject is a two-arm tagged union of a file or a directory.
// Exactly one arm is non-nil.
type FileSystemObject struct {
	File *FileObject      `json:"file,omitempty"`
	Dir  *DirectoryObject `json:"dir,omitempty"`
}

// NewFile wraps a file object in the union.
func NewFile(f FileObject) FileSystemObject {
	return FileSystemObject{File: &f}
}

// NewDir wraps a directory object in the union.
func NewDir(d DirectoryObject) FileSystemObject {
	return FileSystemObject{Dir: &d}
}

// Attr returns a copy of the attribute block of whichever arm is set.
func (o *FileSystemObject) Attr() Attr {
	if o.File != nil {
		return o.File.Attr
	}
	return o.Dir.Attr
}

// MutAttr projects a mutable reference to the attribute block.
func (o *FileSystemObject) MutAttr() *Attr {
	if o.File != nil {
		return &o.File.Attr
	}
	return &o.Dir.Attr
}

// Name returns the object's human-readable name, which doubles as the
// sentinel of the event chain it is stored under.
func (o *FileSystemObject) Name() string {
	if o.File != nil {
		return o.File.Name
	}
	return o.Dir.Name
}

// Clone returns a deep copy, so a caller can build a replacement object
// without mutating the shared cached one.
func (o *FileSystemObject) Clone() FileSystemObject {
	if o.File != nil {
		f := *o.File
		f.Data = append([]byte(nil), o.File.Data...)
		return FileSystemObject{File: &f}
	}
	d := *o.Dir
	d.Entries = append([]DirectoryEntry(nil), o.Dir.Entries...)
	return FileSystemObject{Dir: &d}
}
