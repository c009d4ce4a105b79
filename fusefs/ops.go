package fusefs

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"bazil.org/fuse"
	"github.com/golang/glog"

	"github.com/lvkv/whenfs"
	"github.com/lvkv/whenfs/cache"
)

// Access masks as passed by the kernel; F_OK is the zero mask.
const (
	maskExecute uint32 = 0x1
	maskWrite   uint32 = 0x2
	maskRead    uint32 = 0x4
)

// Errnos bazil does not predefine.
var (
	errAccess      = fuse.Errno(syscall.EACCES)
	errExist       = fuse.Errno(syscall.EEXIST)
	errInvalid     = fuse.Errno(syscall.EINVAL)
	errIsDir       = fuse.Errno(syscall.EISDIR)
	errNotDir      = fuse.Errno(syscall.ENOTDIR)
	errNameTooLong = fuse.Errno(syscall.ENAMETOOLONG)
)

// bootstrap probes the root inode and, when absent, seeds the fresh
// tree: the root directory and the welcome file.
func (sc *Server) bootstrap() error {
	obj, err := sc.cache.Get(whenfs.RootInode)
	if err != nil {
		return fmt.Errorf("probing root inode: %w", err)
	}
	if obj != nil {
		return nil
	}
	glog.Info("No object for the root inode; seeding a fresh filesystem")

	now := time.Now()
	rootDir := whenfs.DirectoryObject{
		Attr: whenfs.Attr{
			Ino:       whenfs.RootInode,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			Crtime:    now,
			Kind:      whenfs.KindDir,
			Perm:      0o777,
			Nlink:     2, // parent directory + self (".")
			BlockSize: whenfs.BlockSize,
		},
		Entries: []whenfs.DirectoryEntry{
			{Ino: whenfs.RootInode, Kind: whenfs.KindDir, Name: "."},
			{Ino: welcomeInode, Kind: whenfs.KindFile, Name: WelcomeFileName},
		},
		Name: "root event",
	}
	ino, err := sc.cache.Insert(whenfs.RootInode, whenfs.NewDir(rootDir))
	if err != nil {
		return fmt.Errorf("seeding root directory: %w", err)
	}
	if ino != whenfs.RootInode {
		return fmt.Errorf("root directory landed on inode %d, want %d", ino, whenfs.RootInode)
	}

	next := sc.cache.NewInode()
	if next != welcomeInode {
		return fmt.Errorf("welcome file allocated inode %d, want %d", next, welcomeInode)
	}
	welcome := whenfs.FileObject{
		Attr: whenfs.Attr{
			Ino:       welcomeInode,
			Size:      1024,
			Blocks:    1,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			Crtime:    now,
			Kind:      whenfs.KindFile,
			Perm:      0o444,
			Nlink:     1,
			BlockSize: whenfs.BlockSize,
		},
		Name: WelcomeFileName,
	}
	if _, err := sc.cache.Insert(welcomeInode, whenfs.NewFile(welcome)); err != nil {
		return fmt.Errorf("seeding welcome file: %w", err)
	}
	return nil
}

// recoveryFileContents renders the welcome file from the live recovery
// id, so a freshly mounted filesystem always exposes an up-to-date
// recovery hint.
func (sc *Server) recoveryFileContents() []byte {
	details := sc.cache.RecoveryID()
	return []byte(fmt.Sprintf(`Welcome to WhenFS!
If you're reading this, then you've successfully turned your Google calendar into a FUSE filesystem.
To recover this filesystem, run whenfs with the following arguments.
The --root-event ID in this file changes after write operations, so don't copy these arguments too early or some of your data may become inaccessible.

--calendar %s
--root-event %s

If you poke around enough, you'll likely run into bugs, edge cases, and completely unimplemented features.
There are no plans to fix these, but contributions are more than welcome.
`, details.CalendarID, details.RootID))
}

// objByIno resolves an inode through the cache.  Cache and store
// failures degrade to EIO; an unknown inode is ENOENT.
func (sc *Server) objByIno(ino uint64) (*cache.CachedObject, error) {
	obj, err := sc.cache.Get(ino)
	if err != nil {
		glog.Errorf("cache.Get(%d): %v", ino, err)
		return nil, fuse.EIO
	}
	if obj == nil {
		return nil, fuse.ENOENT
	}
	return obj, nil
}

// doGetattr returns the attribute block for an inode.
func (sc *Server) doGetattr(ino uint64) (whenfs.Attr, error) {
	obj, err := sc.objByIno(ino)
	if err != nil {
		return whenfs.Attr{}, err
	}
	obj.RLock()
	defer obj.RUnlock()
	return obj.Object.Attr(), nil
}

// doLookup resolves name within the parent directory and returns the
// child's attributes.
func (sc *Server) doLookup(parent uint64, name string) (whenfs.Attr, error) {
	if len(name) > maxNameLength {
		return whenfs.Attr{}, errNameTooLong
	}
	parentObj, err := sc.objByIno(parent)
	if err != nil {
		return whenfs.Attr{}, err
	}
	parentObj.RLock()
	if parentObj.Object.Dir == nil {
		parentObj.RUnlock()
		return whenfs.Attr{}, errNotDir
	}
	entry, ok := parentObj.Object.Dir.EntryByName(name)
	parentObj.RUnlock()
	if !ok {
		return whenfs.Attr{}, fuse.ENOENT
	}

	child, err := sc.objByIno(entry.Ino)
	if err != nil {
		return whenfs.Attr{}, err
	}
	child.RLock()
	defer child.RUnlock()
	return child.Object.Attr(), nil
}

// doReaddir returns the entries of a directory in their stored order,
// which is stable for a given directory version.
func (sc *Server) doReaddir(ino uint64) ([]whenfs.DirectoryEntry, error) {
	obj, err := sc.objByIno(ino)
	if err != nil {
		return nil, err
	}
	obj.RLock()
	defer obj.RUnlock()
	if obj.Object.Dir == nil {
		return nil, errNotDir
	}
	return append([]whenfs.DirectoryEntry(nil), obj.Object.Dir.Entries...), nil
}

// accessModeBits decodes an open access mode into capability bits.
func accessModeBits(flags fuse.OpenFlags) (read, write bool, err error) {
	switch flags & fuse.OpenAccessModeMask {
	case fuse.OpenReadOnly:
		return true, false, nil
	case fuse.OpenWriteOnly:
		return false, true, nil
	case fuse.OpenReadWrite:
		return true, true, nil
	default:
		return false, false, errInvalid
	}
}

// doCreate makes a new file or directory under parent, persists both
// the child and the rewritten parent, and returns the child's
// attributes with a fresh capability file handle.
func (sc *Server) doCreate(parent uint64, name string, mode os.FileMode, flags fuse.OpenFlags, uid, gid uint32) (whenfs.Attr, uint64, error) {
	read, write, err := accessModeBits(flags)
	if err != nil {
		return whenfs.Attr{}, 0, err
	}

	parentObj, err := sc.objByIno(parent)
	if err != nil {
		return whenfs.Attr{}, 0, err
	}
	parentObj.RLock()
	if parentObj.Object.Dir == nil {
		parentObj.RUnlock()
		return whenfs.Attr{}, 0, errNotDir
	}
	if _, exists := parentObj.Object.Dir.EntryByName(name); exists {
		parentObj.RUnlock()
		return whenfs.Attr{}, 0, errExist
	}
	newParent := parentObj.Object.Clone()
	parentObj.RUnlock()

	var kind whenfs.Kind
	switch {
	case mode.IsDir():
		kind = whenfs.KindDir
	case mode.IsRegular():
		kind = whenfs.KindFile
	default:
		glog.Warningf("create %q: unimplemented file type %v", name, mode)
		return whenfs.Attr{}, 0, fuse.ENOSYS
	}

	now := time.Now()
	ino := sc.cache.NewInode()
	attr := whenfs.Attr{
		Ino:       ino,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Crtime:    now,
		Kind:      kind,
		Perm:      permBits(mode),
		Nlink:     1,
		UID:       uid,
		GID:       gid,
		BlockSize: whenfs.BlockSize,
	}

	var child whenfs.FileSystemObject
	if kind == whenfs.KindDir {
		child = whenfs.NewDir(whenfs.DirectoryObject{
			Attr: attr,
			Entries: []whenfs.DirectoryEntry{
				{Ino: ino, Kind: whenfs.KindDir, Name: "."},
				{Ino: parent, Kind: whenfs.KindDir, Name: ".."},
			},
			Name: name,
		})
	} else {
		child = whenfs.NewFile(whenfs.FileObject{Attr: attr, Name: name})
	}

	if _, err := sc.cache.Insert(ino, child); err != nil {
		glog.Errorf("inserting %q: %v", name, err)
		return whenfs.Attr{}, 0, fuse.EIO
	}
	newParent.Dir.AddEntry(whenfs.DirectoryEntry{Ino: ino, Kind: kind, Name: name})
	if _, err := sc.cache.Insert(parent, newParent); err != nil {
		glog.Errorf("rewriting parent of %q: %v", name, err)
		return whenfs.Attr{}, 0, fuse.EIO
	}

	return attr, sc.newFileHandle(read, write), nil
}

// doOpen allocates a capability file handle for an existing object,
// refusing access modes the permission bits do not allow.
func (sc *Server) doOpen(ino uint64, dir bool, flags fuse.OpenFlags, uid, gid uint32) (uint64, error) {
	obj, err := sc.objByIno(ino)
	if err != nil {
		return 0, err
	}
	if dir {
		return sc.newFileHandle(true, false), nil
	}
	read, write, err := accessModeBits(flags)
	if err != nil {
		return 0, err
	}
	var mask uint32
	if read {
		mask |= maskRead
	}
	if write {
		mask |= maskWrite
	}
	obj.RLock()
	attr := obj.Object.Attr()
	obj.RUnlock()
	if !checkAccess(attr.UID, attr.GID, attr.Perm, uid, gid, mask) {
		return 0, errAccess
	}
	return sc.newFileHandle(read, write), nil
}

// doAccess answers the access(2) probe against the permission bits.
func (sc *Server) doAccess(ino uint64, mask uint32, uid, gid uint32) error {
	obj, err := sc.objByIno(ino)
	if err != nil {
		return err
	}
	obj.RLock()
	attr := obj.Object.Attr()
	obj.RUnlock()
	if !checkAccess(attr.UID, attr.GID, attr.Perm, uid, gid, mask) {
		return errAccess
	}
	return nil
}

// checkAccess decides a requested access mask against a file's owner,
// group, and permission bits.  Root may always read and write, and may
// execute iff any execute bit is set.  Everyone else is checked
// against exactly one permission triple: owner, group, or other.
func checkAccess(fileUID, fileGID uint32, filePerm uint16, uid, gid uint32, mask uint32) bool {
	if mask == 0 { // F_OK
		return true
	}
	if uid == 0 {
		if mask&maskExecute != 0 && filePerm&0o111 == 0 {
			return false
		}
		return true
	}
	var triple uint32
	switch {
	case uid == fileUID:
		triple = uint32(filePerm) >> 6
	case gid == fileGID:
		triple = uint32(filePerm) >> 3
	default:
		triple = uint32(filePerm)
	}
	return mask&^(triple&0x7) == 0
}

// doSetattr applies exactly one of chmod, chown, or truncate, in that
// priority order; with none requested it echoes the current attributes.
func (sc *Server) doSetattr(req *fuse.SetattrRequest) (whenfs.Attr, error) {
	ino := uint64(req.Header.Node)
	obj, err := sc.objByIno(ino)
	if err != nil {
		return whenfs.Attr{}, err
	}
	obj.RLock()
	attrs := obj.Object.Attr()
	obj.RUnlock()

	callerUID := req.Header.Uid
	callerGID := req.Header.Gid

	if req.Valid.Mode() {
		glog.V(1).Infof("chmod(%d, %o)", ino, req.Mode)
		if callerUID != 0 && callerUID != attrs.UID {
			return whenfs.Attr{}, fuse.EPERM
		}
		perm := permBits(req.Mode)
		if callerUID != 0 && callerGID != attrs.GID {
			// chmod by a caller outside the file's group drops setgid.
			perm &^= 0o2000
		}
		attrs.Perm = perm
		attrs.Ctime = time.Now()
		return sc.writeInode(ino, attrs)
	}

	if req.Valid.Uid() || req.Valid.Gid() {
		glog.V(1).Infof("chown(%d, uid valid=%v, gid valid=%v)", ino, req.Valid.Uid(), req.Valid.Gid())
		if req.Valid.Gid() && callerUID != 0 {
			return whenfs.Attr{}, fuse.EPERM
		}
		if req.Valid.Uid() && callerUID != 0 &&
			!(req.Uid == attrs.UID && callerUID == attrs.UID) {
			return whenfs.Attr{}, fuse.EPERM
		}
		if attrs.Perm&0o111 != 0 {
			return whenfs.Attr{}, fuse.ENOSYS
		}
		if req.Valid.Uid() {
			attrs.UID = req.Uid
			attrs.Perm &^= 0o4000
		}
		if req.Valid.Gid() {
			attrs.GID = req.Gid
			if callerUID != 0 {
				attrs.Perm &^= 0o2000
			}
		}
		attrs.Ctime = time.Now()
		return sc.writeInode(ino, attrs)
	}

	if req.Valid.Size() {
		glog.V(1).Infof("truncate(%d, %d) unsupported", ino, req.Size)
		return whenfs.Attr{}, fuse.ENOSYS
	}

	if req.Valid.Atime() {
		glog.V(2).Infof("utimens(%d, atime=%v)", ino, req.Atime)
	}
	if req.Valid.Mtime() {
		glog.V(2).Infof("utimens(%d, mtime=%v)", ino, req.Mtime)
	}
	return attrs, nil
}

// writeInode replaces an object's attribute block and persists it.
func (sc *Server) writeInode(ino uint64, attrs whenfs.Attr) (whenfs.Attr, error) {
	obj, err := sc.objByIno(ino)
	if err != nil {
		return whenfs.Attr{}, err
	}
	obj.RLock()
	replacement := obj.Object.Clone()
	obj.RUnlock()
	*replacement.MutAttr() = attrs
	if _, err := sc.cache.Insert(ino, replacement); err != nil {
		glog.Errorf("persisting attributes of inode %d: %v", ino, err)
		return whenfs.Attr{}, fuse.EIO
	}
	return attrs, nil
}

// doRead returns up to size bytes at offset.  Reads of the welcome
// file are answered from freshly generated contents, never from the
// stored object.
func (sc *Server) doRead(ino uint64, fh uint64, offset int64, size int) ([]byte, error) {
	if offset < 0 {
		glog.Warningf("read(%d): negative offset %d", ino, offset)
		return nil, errInvalid
	}
	if !checkFileHandleRead(fh) {
		return nil, errAccess
	}

	if ino == welcomeInode {
		return sliceSpan(sc.recoveryFileContents(), offset, size), nil
	}

	obj, err := sc.objByIno(ino)
	if err != nil {
		return nil, err
	}
	obj.RLock()
	defer obj.RUnlock()
	if obj.Object.Dir != nil {
		return nil, errIsDir
	}
	return sliceSpan(obj.Object.File.Data, offset, size), nil
}

// sliceSpan clips [offset, offset+size) to data and copies it out.
func sliceSpan(data []byte, offset int64, size int) []byte {
	lower := int(offset)
	if lower > len(data) {
		return nil
	}
	upper := lower + size
	if upper > len(data) {
		upper = len(data)
	}
	return append([]byte(nil), data[lower:upper]...)
}

// doWrite overwrites the span at offset, growing the file as needed,
// and persists the result.  It returns the number of bytes written.
func (sc *Server) doWrite(ino uint64, fh uint64, offset int64, data []byte) (int, error) {
	if offset < 0 {
		return 0, errInvalid
	}
	if !checkFileHandleWrite(fh) {
		return 0, errAccess
	}

	obj, err := sc.objByIno(ino)
	if err != nil {
		return 0, err
	}
	obj.RLock()
	if obj.Object.Dir != nil {
		obj.RUnlock()
		return 0, errIsDir
	}
	replacement := obj.Object.Clone()
	obj.RUnlock()

	f := replacement.File
	now := time.Now()
	need := int(offset) + len(data)
	if need > len(f.Data) {
		glog.V(2).Infof("write(%d): growing %q from %d to %d bytes", ino, f.Name, len(f.Data), need)
		grown := make([]byte, need)
		copy(grown, f.Data)
		f.Data = grown
	}
	copy(f.Data[offset:], data)
	f.Attr.Size = uint64(len(f.Data))
	f.Attr.Blocks = (f.Attr.Size + uint64(whenfs.BlockSize) - 1) / uint64(whenfs.BlockSize)
	f.Attr.Atime = now
	f.Attr.Mtime = now
	f.Attr.Ctime = now

	if _, err := sc.cache.Insert(ino, replacement); err != nil {
		glog.Errorf("persisting write to inode %d: %v", ino, err)
		return 0, fuse.EIO
	}
	return len(data), nil
}
