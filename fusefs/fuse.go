package fusefs

// This is a thin layer of glue between the bazil.org/fuse kernel
// interface and the WhenFS inode cache.

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"bazil.org/fuse"
	_ "bazil.org/fuse/fs/fstestutil" // for fuse.debug
	"bazil.org/fuse/fuseutil"

	"github.com/golang/glog"

	"github.com/lvkv/whenfs"
	"github.com/lvkv/whenfs/cache"
)

const (
	maxNameLength = 255

	// File handles embed two capability bits above a monotonically
	// allocated sequence number.
	fileHandleReadBit  uint64 = 1 << 63
	fileHandleWriteBit uint64 = 1 << 62
)

// WelcomeFileName is the name of the read-only recovery file present
// in the root of every WhenFS filesystem.
const WelcomeFileName = "WelcomeToWhenFS"

// welcomeInode is allocated immediately after the root directory on a
// fresh mount.
const welcomeInode = whenfs.RootInode + 1

// Server services fuse requests arriving on conn from objects resident
// in the cache.
type Server struct {
	cache   *cache.Cache
	conn    *fuse.Conn
	fhCount uint64 // atomic; low bits of every issued file handle
}

// New returns a Server which will service fuse requests arriving on
// conn.  If the cache has no root directory yet, the seed tree (root
// directory plus welcome file) is created and persisted.
func New(c *cache.Cache, conn *fuse.Conn) (*Server, error) {
	sc := &Server{cache: c, conn: conn}
	if err := sc.bootstrap(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Serve receives and dispatches requests from the kernel.  Requests
// are served on a single goroutine: every mutating operation completes
// its remote calendar writes, root-chain rewrite included, before the
// next request is read.
func (sc *Server) Serve() error {
	for {
		req, err := sc.conn.ReadRequest()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		fuse.Debug(fmt.Sprintf("%+v", req))
		sc.serve(req)
	}
	return nil
}

// serve dispatches one kernel request to the appropriate code path.
func (sc *Server) serve(req fuse.Request) {
	switch req := req.(type) {
	default:
		// ENOSYS means "this server never implements this request."
		fuse.Debug(fmt.Sprintf("ENOSYS: %+v", req))
		req.RespondError(fuse.ENOSYS)

	case *fuse.StatfsRequest:
		req.Respond(&fuse.StatfsResponse{
			Frsize:  whenfs.BlockSize,
			Namelen: maxNameLength,
		})

	case *fuse.GetattrRequest:
		attr, err := sc.doGetattr(uint64(req.Header.Node))
		if err != nil {
			req.RespondError(err)
			return
		}
		req.Respond(&fuse.GetattrResponse{Attr: fuseAttr(attr)})

	case *fuse.LookupRequest:
		attr, err := sc.doLookup(uint64(req.Header.Node), req.Name)
		if err != nil {
			req.RespondError(err)
			return
		}
		req.Respond(&fuse.LookupResponse{
			Node: fuse.NodeID(attr.Ino),
			Attr: fuseAttr(attr),
		})

	case *fuse.AccessRequest:
		if err := sc.doAccess(uint64(req.Header.Node), req.Mask, req.Header.Uid, req.Header.Gid); err != nil {
			req.RespondError(err)
			return
		}
		req.Respond()

	case *fuse.SetattrRequest:
		attr, err := sc.doSetattr(req)
		if err != nil {
			req.RespondError(err)
			return
		}
		req.Respond(&fuse.SetattrResponse{Attr: fuseAttr(attr)})

	case *fuse.CreateRequest:
		attr, fh, err := sc.doCreate(uint64(req.Header.Node), req.Name, req.Mode,
			req.Flags, req.Header.Uid, req.Header.Gid)
		if err != nil {
			req.RespondError(err)
			return
		}
		req.Respond(&fuse.CreateResponse{
			LookupResponse: fuse.LookupResponse{
				Node: fuse.NodeID(attr.Ino),
				Attr: fuseAttr(attr),
			},
			OpenResponse: fuse.OpenResponse{Handle: fuse.HandleID(fh)},
		})

	case *fuse.OpenRequest:
		fh, err := sc.doOpen(uint64(req.Header.Node), req.Dir, req.Flags,
			req.Header.Uid, req.Header.Gid)
		if err != nil {
			req.RespondError(err)
			return
		}
		req.Respond(&fuse.OpenResponse{Handle: fuse.HandleID(fh)})

	// Return dirents for directories, or the requested span of a file.
	case *fuse.ReadRequest:
		if req.Dir {
			sc.readDir(req)
		} else {
			sc.read(req)
		}

	case *fuse.WriteRequest:
		n, err := sc.doWrite(uint64(req.Header.Node), uint64(req.Handle), req.Offset, req.Data)
		if err != nil {
			req.RespondError(err)
			return
		}
		req.Respond(&fuse.WriteResponse{Size: n})

	// The cache persists every mutation as it happens, so flush and
	// release have nothing left to do.
	case *fuse.FlushRequest:
		req.Respond()

	case *fuse.ReleaseRequest:
		req.Respond()

	case *fuse.ForgetRequest:
		req.Respond()

	case *fuse.DestroyRequest:
		req.Respond()

	// Deliberately unimplemented operations.  None of these mutate
	// state before refusing.
	case *fuse.MkdirRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.RemoveRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.RenameRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.MknodRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.SymlinkRequest:
		req.RespondError(fuse.EPERM)
	case *fuse.LinkRequest:
		req.RespondError(fuse.EPERM)
	case *fuse.ReadlinkRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.FsyncRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.GetxattrRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.SetxattrRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.ListxattrRequest:
		req.RespondError(fuse.ENOSYS)
	case *fuse.RemovexattrRequest:
		req.RespondError(fuse.ENOSYS)
	}
}

// readDir answers a directory ReadRequest.  The serialized dirent
// buffer is rebuilt from the directory's entry slice, whose order is
// stable for a given directory version, and HandleRead slices it at
// the kernel's offset.
func (sc *Server) readDir(req *fuse.ReadRequest) {
	entries, err := sc.doReaddir(uint64(req.Header.Node))
	if err != nil {
		req.RespondError(err)
		return
	}
	var data []byte
	for _, entry := range entries {
		data = fuse.AppendDirent(data, fuse.Dirent{
			Inode: entry.Ino,
			Type:  direntType(entry.Kind),
			Name:  entry.Name,
		})
	}
	resp := &fuse.ReadResponse{Data: make([]byte, 0, req.Size)}
	fuseutil.HandleRead(req, resp, data)
	req.Respond(resp)
}

// read answers a file ReadRequest.
func (sc *Server) read(req *fuse.ReadRequest) {
	data, err := sc.doRead(uint64(req.Header.Node), uint64(req.Handle), req.Offset, req.Size)
	if err != nil {
		req.RespondError(err)
		return
	}
	req.Respond(&fuse.ReadResponse{Data: data})
}

// newFileHandle allocates a file handle carrying the requested
// capability bits above a fresh sequence number.
func (sc *Server) newFileHandle(read, write bool) uint64 {
	fh := atomic.AddUint64(&sc.fhCount, 1) - 1
	if fh >= fileHandleWriteBit {
		// The sequence space below the capability bits is effectively
		// inexhaustible; running into it means the counter is corrupt.
		glog.Fatalf("file handle counter overflow: %d", fh)
	}
	if read {
		fh |= fileHandleReadBit
	}
	if write {
		fh |= fileHandleWriteBit
	}
	return fh
}

func checkFileHandleRead(fh uint64) bool {
	return fh&fileHandleReadBit != 0
}

func checkFileHandleWrite(fh uint64) bool {
	return fh&fileHandleWriteBit != 0
}

// fuseAttr converts the stored attribute block to the kernel's.
func fuseAttr(attr whenfs.Attr) fuse.Attr {
	return fuse.Attr{
		Inode:     attr.Ino,
		Size:      attr.Size,
		Blocks:    attr.Blocks,
		Atime:     attr.Atime,
		Mtime:     attr.Mtime,
		Ctime:     attr.Ctime,
		Crtime:    attr.Crtime,
		Mode:      fileMode(attr.Kind, attr.Perm),
		Nlink:     attr.Nlink,
		Uid:       attr.UID,
		Gid:       attr.GID,
		Rdev:      attr.Rdev,
		BlockSize: attr.BlockSize,
	}
}

func direntType(kind whenfs.Kind) fuse.DirentType {
	if kind == whenfs.KindDir {
		return fuse.DT_Dir
	}
	return fuse.DT_File
}

// permBits extracts the POSIX permission bits, setuid/setgid/sticky
// included, from an os.FileMode.
func permBits(m os.FileMode) uint16 {
	perm := uint16(m.Perm())
	if m&os.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		perm |= 0o1000
	}
	return perm
}

// fileMode is the inverse of permBits, tagged with the object kind.
func fileMode(kind whenfs.Kind, perm uint16) os.FileMode {
	m := os.FileMode(perm & 0o777)
	if perm&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if perm&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if perm&0o1000 != 0 {
		m |= os.ModeSticky
	}
	if kind == whenfs.KindDir {
		m |= os.ModeDir
	}
	return m
}
