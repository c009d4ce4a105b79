// Package ls implements the whenfsutil subcommand that lists the inode
// table of a WhenFS root chain.
package ls

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"golang.org/x/net/context"

	"github.com/google/subcommands"

	"github.com/lvkv/whenfs/calendar/gcal"
	"github.com/lvkv/whenfs/store"
)

func init() {
	subcommands.Register(&lsCmd{}, "")
}

type lsCmd struct {
	calendarID  string
	rootEventID string
}

func (*lsCmd) Name() string     { return "ls" }
func (*lsCmd) Synopsis() string { return "List the inodes of a filesystem's root chain." }
func (*lsCmd) Usage() string {
	return `ls -calendar <id> -root-event <tail-id>:
  Decode the inode table stored under the root chain and print one
  "inode -> chain" line per filesystem object.
`
}

func (p *lsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.calendarID, "calendar", "", "Calendar id holding the filesystem")
	f.StringVar(&p.rootEventID, "root-event", "", "Tail event id of the root chain")
}

func (p *lsCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if p.calendarID == "" || p.rootEventID == "" {
		fmt.Fprintln(os.Stderr, "ls requires -calendar and -root-event")
		return subcommands.ExitUsageError
	}
	secretPath := args[0].(*string)
	client, err := gcal.NewClient(*secretPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize client: %s\n", err)
		return subcommands.ExitFailure
	}

	s := store.New(client, p.calendarID)
	inoToChain := make(map[uint64]store.Entry)
	if err := s.Retrieve(store.RecoveryEntry("root event", p.rootEventID), &inoToChain); err != nil {
		fmt.Fprintf(os.Stderr, "could not retrieve root chain: %s\n", err)
		return subcommands.ExitFailure
	}

	inodes := make([]uint64, 0, len(inoToChain))
	for ino := range inoToChain {
		inodes = append(inodes, ino)
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })
	for _, ino := range inodes {
		chain := inoToChain[ino]
		fmt.Printf("%d\t%s\t%s\t(%d event(s))\n", ino, chain.Name, chain.Tail().ID, len(chain.Events))
	}
	return subcommands.ExitSuccess
}
