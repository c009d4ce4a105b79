// whenfs mounts a Google calendar as a FUSE filesystem.
//
// A fresh mount creates a new calendar and a new filesystem in it.  To
// reopen an existing filesystem, pass both --calendar and --root-event
// with the values printed in the WelcomeToWhenFS file.
package main

import (
	"flag"
	"fmt"
	"os"

	"bazil.org/fuse"
	"github.com/golang/glog"

	"github.com/lvkv/whenfs/cache"
	"github.com/lvkv/whenfs/calendar/gcal"
	"github.com/lvkv/whenfs/fusefs"
	"github.com/lvkv/whenfs/store"
)

const fsName = "WhenFS"

var (
	secretPath  = flag.String("secret", "", "Path to the OAuth client secret JSON")
	mountPoint  = flag.String("mount", "/mnt/whenfs", "Where to mount the filesystem")
	name        = flag.String("name", fsName, "Display name for a newly created calendar")
	calendarID  = flag.String("calendar", "", "Id of an existing calendar to reuse")
	rootEventID = flag.String("root-event", "", "Tail event id of an existing filesystem's root chain")
)

func main() {
	flag.Parse()
	defer glog.Flush()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "whenfs: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run() error {
	if *secretPath == "" {
		return fmt.Errorf("--secret is required")
	}
	if *rootEventID != "" && *calendarID == "" {
		return fmt.Errorf("recovery requires both --calendar and --root-event")
	}

	client, err := gcal.NewClient(*secretPath)
	if err != nil {
		return fmt.Errorf("initializing calendar client: %w", err)
	}

	calID := *calendarID
	if calID == "" {
		glog.Info("Creating a new calendar")
		if calID, err = client.CreateCalendar(*name); err != nil {
			return fmt.Errorf("creating calendar: %w", err)
		}
	} else {
		glog.Info("Reusing existing calendar")
	}

	s := store.New(client, calID)
	var c *cache.Cache
	if *rootEventID != "" {
		glog.Infof("Attempting to recover existing %s filesystem", fsName)
		c, err = cache.Recover(s, store.RecoveryEntry("root event", *rootEventID))
		if err != nil {
			return fmt.Errorf("recovering filesystem: %w", err)
		}
	} else {
		glog.Infof("Creating a new %s filesystem", fsName)
		c, err = cache.New(s)
		if err != nil {
			return fmt.Errorf("initializing filesystem: %w", err)
		}
	}

	conn, err := fuse.Mount(*mountPoint, fuse.FSName(fsName), fuse.Subtype("whenfs"))
	if err != nil {
		return fmt.Errorf("mounting at %q: %w", *mountPoint, err)
	}
	defer conn.Close()

	server, err := fusefs.New(c, conn)
	if err != nil {
		return fmt.Errorf("initializing fuse server: %w", err)
	}
	details := c.RecoveryID()
	glog.Infof("Mounted at %s; recover with --calendar %s --root-event %s",
		*mountPoint, details.CalendarID, details.RootID)
	return server.Serve()
}
