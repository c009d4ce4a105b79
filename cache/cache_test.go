package cache

import (
	"testing"

	"github.com/lvkv/whenfs"
	"github.com/lvkv/whenfs/calendar"
	"github.com/lvkv/whenfs/calendar/memory"
	"github.com/lvkv/whenfs/store"
)

// newTestCache builds a fresh cache over an in-memory calendar with a
// small description limit, so every object spans several events.
func newTestCache(t *testing.T) (*Cache, *memory.Client) {
	t.Helper()
	client := memory.NewWithLimits(calendar.Limits{Summary: 512, Description: 64, Location: 512})
	calID, err := client.CreateCalendar("WhenFS")
	if err != nil {
		t.Fatalf("CreateCalendar: %s", err)
	}
	c, err := New(store.New(client, calID))
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return c, client
}

func testFile(ino uint64, name, data string) whenfs.FileSystemObject {
	return whenfs.NewFile(whenfs.FileObject{
		Attr: whenfs.Attr{
			Ino:       ino,
			Size:      uint64(len(data)),
			Kind:      whenfs.KindFile,
			Perm:      0o644,
			Nlink:     1,
			BlockSize: whenfs.BlockSize,
		},
		Name: name,
		Data: []byte(data),
	})
}

func TestInsertGet(t *testing.T) {
	c, _ := newTestCache(t)
	ino := c.NewInode()
	obj := testFile(ino, "hello.txt", "hello, calendar")
	got, err := c.Insert(ino, obj)
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	if got != ino {
		t.Errorf("Insert returned inode %d, want %d", got, ino)
	}

	cached, err := c.Get(ino)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if cached == nil {
		t.Fatal("Get returned no object for a known inode")
	}
	cached.RLock()
	defer cached.RUnlock()
	if cached.Object.Name() != "hello.txt" {
		t.Errorf("object name, want: %q, got: %q", "hello.txt", cached.Object.Name())
	}
	if string(cached.Object.File.Data) != "hello, calendar" {
		t.Errorf("object data, got: %q", cached.Object.File.Data)
	}
}

func TestGetUnknownInode(t *testing.T) {
	c, _ := newTestCache(t)
	cached, err := c.Get(42)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if cached != nil {
		t.Errorf("Get of an unknown inode returned %+v", cached.Object)
	}
}

func TestNewInodeMonotonic(t *testing.T) {
	c, _ := newTestCache(t)
	seen := make(map[uint64]bool)
	prev := whenfs.RootInode
	for i := 0; i < 100; i++ {
		ino := c.NewInode()
		if seen[ino] {
			t.Fatalf("inode %d issued twice", ino)
		}
		if ino <= prev {
			t.Fatalf("inode %d not greater than previous %d", ino, prev)
		}
		seen[ino] = true
		prev = ino
	}
}

func TestInsertRewritesRootChain(t *testing.T) {
	c, _ := newTestCache(t)
	before := c.RecoveryID()
	if before.RootID == "" {
		t.Fatal("fresh cache has no recovery id")
	}
	ino := c.NewInode()
	if _, err := c.Insert(ino, testFile(ino, "a.txt", "a")); err != nil {
		t.Fatalf("Insert: %s", err)
	}
	mid := c.RecoveryID()
	if mid.RootID == before.RootID {
		t.Error("insert did not rewrite the root chain")
	}
	if _, err := c.Insert(ino, testFile(ino, "a.txt", "aa")); err != nil {
		t.Fatalf("Insert: %s", err)
	}
	after := c.RecoveryID()
	if after.RootID == mid.RootID {
		t.Error("re-insert did not rewrite the root chain")
	}
	if after.CalendarID != before.CalendarID {
		t.Errorf("calendar id changed across inserts: %q -> %q", before.CalendarID, after.CalendarID)
	}
}

func TestRecover(t *testing.T) {
	c, client := newTestCache(t)
	ino := c.NewInode()
	if _, err := c.Insert(ino, testFile(ino, "hello.txt", "abc")); err != nil {
		t.Fatalf("Insert: %s", err)
	}
	details := c.RecoveryID()

	// A separate cache built from nothing but the recovery id sees the
	// same objects.
	recovered, err := Recover(
		store.New(client, details.CalendarID),
		store.RecoveryEntry("root event", details.RootID),
	)
	if err != nil {
		t.Fatalf("Recover: %s", err)
	}
	cached, err := recovered.Get(ino)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if cached == nil {
		t.Fatalf("recovered cache does not know inode %d", ino)
	}
	cached.RLock()
	if string(cached.Object.File.Data) != "abc" {
		t.Errorf("recovered data, want: %q, got: %q", "abc", cached.Object.File.Data)
	}
	cached.RUnlock()

	// The inode counter resumes past every recovered inode.
	if next := recovered.NewInode(); next != ino+1 {
		t.Errorf("recovered NewInode, want: %d, got: %d", ino+1, next)
	}
}

func TestRecoverEmptyRootChain(t *testing.T) {
	c, client := newTestCache(t)
	details := c.RecoveryID()
	// Nothing was ever inserted, so the root chain maps no inodes.
	_, err := Recover(
		store.New(client, details.CalendarID),
		store.RecoveryEntry("root event", details.RootID),
	)
	if err == nil {
		t.Error("expected an error recovering an empty root chain")
	}
}

func TestInsertErrorLeavesRootIntact(t *testing.T) {
	c, client := newTestCache(t)
	before := c.RecoveryID()
	ino := c.NewInode()
	client.NextErr = calendar.ErrEventNotFound // any transport failure will do
	if _, err := c.Insert(ino, testFile(ino, "x", "x")); err == nil {
		t.Fatal("expected Insert to surface the transport failure")
	}
	if got := c.RecoveryID(); got.RootID != before.RootID {
		t.Errorf("failed insert moved the root chain: %q -> %q", before.RootID, got.RootID)
	}
}
