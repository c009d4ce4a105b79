/*
Package cache maps inode numbers to stored event chains and lazily
materializes filesystem objects from them.

The cache owns one distinguished chain, the root chain, whose stored
value is the inode-to-chain mapping itself.  Every Insert uploads the
object as a fresh chain and then rewrites the root chain, so the whole
filesystem is recoverable from the root chain's tail event id alone.
The two steps are not transactional: a crash between them leaves an
orphan chain in the calendar, but the previously published root is
untouched and still describes a consistent tree.
*/
package cache

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/lvkv/whenfs"
	"github.com/lvkv/whenfs/store"
)

// rootChainName is the sentinel of the root chain.  It contains a
// space, which the calendar service can never assign as an event id.
const rootChainName = "root event"

var (
	cacheInodes    = expvar.NewInt("cacheInodes")
	cacheResident  = expvar.NewInt("cacheResidentObjects")
	cacheRetrieves = expvar.NewInt("cacheRetrieves")
	rootRewrites   = expvar.NewInt("cacheRootRewrites")
	lastInode      = expvar.NewInt("lastInode")
)

// CachedObject is a shared handle on a materialized filesystem object.
// Read-only callers hold RLock for the duration of a callback; writers
// build a replacement object and publish it through Cache.Insert
// rather than mutating in place.
type CachedObject struct {
	sync.RWMutex
	Object whenfs.FileSystemObject
}

// Cache is the inode table.  It is safe for concurrent lookups and a
// single mutator; concurrent Inserts against the same inode are
// excluded by the kernel's callback serialization.
type Cache struct {
	store *store.Store

	mu         sync.RWMutex // protects inoToChain, chainToObj, rootChain
	inoToChain map[uint64]store.Entry
	chainToObj map[string]*CachedObject // keyed by Entry.Key()
	rootChain  store.Entry

	inodeCount uint64 // atomic
}

// New builds a fresh cache: the empty inode table is stored as the
// initial root chain and the inode counter starts just past the root
// inode.
func New(s *store.Store) (*Cache, error) {
	inoToChain := make(map[uint64]store.Entry)
	rootChain, err := s.Store(inoToChain, rootChainName)
	if err != nil {
		return nil, fmt.Errorf("storing initial root chain: %w", err)
	}
	return &Cache{
		store:      s,
		inoToChain: inoToChain,
		chainToObj: make(map[string]*CachedObject),
		rootChain:  rootChain,
		inodeCount: whenfs.RootInode + 1,
	}, nil
}

// Recover rebuilds a cache from an existing root chain, typically
// constructed with store.RecoveryEntry from a tail event id.  The
// inode counter resumes past the largest recovered inode.
func Recover(s *store.Store, rootChain store.Entry) (*Cache, error) {
	glog.V(1).Info("Attempting cache recovery")
	inoToChain := make(map[uint64]store.Entry)
	if err := s.Retrieve(rootChain, &inoToChain); err != nil {
		return nil, fmt.Errorf("retrieving root chain: %w", err)
	}
	if len(inoToChain) == 0 {
		return nil, fmt.Errorf("root chain %q maps no inodes", rootChain.Tail().ID)
	}
	var maxInode uint64
	for ino := range inoToChain {
		if ino > maxInode {
			maxInode = ino
		}
	}
	glog.Infof("Recovered filesystem cache with %d inode(s)", len(inoToChain))
	cacheInodes.Set(int64(len(inoToChain)))
	return &Cache{
		store:      s,
		inoToChain: inoToChain,
		chainToObj: make(map[string]*CachedObject),
		rootChain:  rootChain,
		inodeCount: maxInode + 1,
	}, nil
}

// NewInode hands out the next inode number.  Inodes are never reused
// within a process lifetime.
func (c *Cache) NewInode() uint64 {
	ino := atomic.AddUint64(&c.inodeCount, 1) - 1
	lastInode.Set(int64(ino))
	return ino
}

// Get returns the shared handle for an inode, retrieving and
// materializing the object from its chain on first access.  An unknown
// inode returns (nil, nil).
func (c *Cache) Get(ino uint64) (*CachedObject, error) {
	c.mu.RLock()
	chain, ok := c.inoToChain[ino]
	if !ok {
		c.mu.RUnlock()
		return nil, nil
	}
	cached, resident := c.chainToObj[chain.Key()]
	c.mu.RUnlock()
	if resident {
		return cached, nil
	}

	cacheRetrieves.Add(1)
	var obj whenfs.FileSystemObject
	if err := c.store.Retrieve(chain, &obj); err != nil {
		return nil, fmt.Errorf("materializing inode %d: %w", ino, err)
	}
	retrieved := &CachedObject{Object: obj}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another lookup may have materialized the chain in the meantime.
	if cached, resident := c.chainToObj[chain.Key()]; resident {
		return cached, nil
	}
	c.chainToObj[chain.Key()] = retrieved
	cacheResident.Set(int64(len(c.chainToObj)))
	return retrieved, nil
}

// Insert stores obj as a fresh chain, points ino at it, and rewrites
// the root chain so the new state is recoverable.  It returns ino on
// success.
func (c *Cache) Insert(ino uint64, obj whenfs.FileSystemObject) (uint64, error) {
	chain, err := c.store.Store(obj, obj.Name())
	if err != nil {
		return 0, fmt.Errorf("storing inode %d: %w", ino, err)
	}

	c.mu.Lock()
	c.inoToChain[ino] = chain
	c.chainToObj[chain.Key()] = &CachedObject{Object: obj}
	snapshot := make(map[uint64]store.Entry, len(c.inoToChain))
	for k, v := range c.inoToChain {
		snapshot[k] = v
	}
	rootChain := c.rootChain
	cacheInodes.Set(int64(len(c.inoToChain)))
	cacheResident.Set(int64(len(c.chainToObj)))
	c.mu.Unlock()

	newRoot, err := c.store.Update(rootChain, snapshot)
	if err != nil {
		return 0, fmt.Errorf("rewriting root chain: %w", err)
	}

	c.mu.Lock()
	c.rootChain = newRoot
	c.mu.Unlock()
	rootRewrites.Add(1)
	glog.V(2).Infof("inode %d stored; root chain tail is now %s", ino, newRoot.Tail().ID)
	return ino, nil
}

// RecoveryID returns the pair sufficient to reopen this filesystem.
func (c *Cache) RecoveryID() store.RecoveryDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.RecoveryID(c.rootChain)
}
