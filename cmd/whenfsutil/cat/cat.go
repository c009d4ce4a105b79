// Package cat implements the whenfsutil subcommand that decodes one
// event chain and prints its JSON payload.
package cat

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"golang.org/x/net/context"

	"github.com/google/subcommands"

	"github.com/lvkv/whenfs/calendar/gcal"
	"github.com/lvkv/whenfs/store"
)

func init() {
	subcommands.Register(&catCmd{}, "")
}

type catCmd struct {
	calendarID string
	eventID    string
	name       string
}

func (*catCmd) Name() string     { return "cat" }
func (*catCmd) Synopsis() string { return "Decode an event chain and print its payload." }
func (*catCmd) Usage() string {
	return `cat -calendar <id> -event <tail-id> [-name <sentinel>]:
  Walk a chain backward from its tail event and print the decoded JSON
  payload to STDOUT.
`
}

func (p *catCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.calendarID, "calendar", "", "Calendar id holding the chain")
	f.StringVar(&p.eventID, "event", "", "Tail event id of the chain")
	f.StringVar(&p.name, "name", "root event", "Sentinel name of the chain")
}

func (p *catCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if p.calendarID == "" || p.eventID == "" {
		fmt.Fprintln(os.Stderr, "cat requires -calendar and -event")
		return subcommands.ExitUsageError
	}
	secretPath := args[0].(*string)
	client, err := gcal.NewClient(*secretPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize client: %s\n", err)
		return subcommands.ExitFailure
	}

	s := store.New(client, p.calendarID)
	var payload json.RawMessage
	if err := s.Retrieve(store.RecoveryEntry(p.name, p.eventID), &payload); err != nil {
		fmt.Fprintf(os.Stderr, "could not retrieve chain: %s\n", err)
		return subcommands.ExitFailure
	}
	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not render payload: %s\n", err)
		return subcommands.ExitFailure
	}
	fmt.Println(string(pretty))
	return subcommands.ExitSuccess
}
