// whenfsutil contains tools for inspecting WhenFS calendars.
package main

import (
	"flag"
	"os"

	"golang.org/x/net/context"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	// Subcommand imports
	_ "github.com/lvkv/whenfs/cmd/whenfsutil/cat"
	_ "github.com/lvkv/whenfs/cmd/whenfsutil/ls"
)

func main() {
	secretPath := flag.String("secret", "", "Path to the OAuth client secret JSON")
	subcommands.ImportantFlag("secret")
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	flag.Parse()

	ctx := context.Background()
	exitValue := subcommands.Execute(ctx, secretPath)
	glog.Flush()
	os.Exit(int(exitValue))
}
