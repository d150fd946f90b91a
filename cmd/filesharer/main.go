// filesharer shares local files and directories with other instances on the
// same network over HTTP or FTP, and browses and downloads what they share.
//
// "filesharer serve" runs the controller. Every other subcommand talks to a
// running controller over its control API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "filesharer:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}

	name, rest := args[0], args[1:]
	switch name {
	case "serve":
		return runServe(rest)
	case "worker":
		return runWorker(rest)
	case "help", "-h", "--help":
		printUsage()
		return nil
	}

	cmd, ok := clientCommands[name]
	if !ok {
		printUsage()
		return fmt.Errorf("unknown command %q", name)
	}
	return runClient(name, cmd, rest)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: filesharer <command> [flags]

Controller:
  serve                   run the controller and its control API

Sharing:
  share PATH              share a file or directory (--protocol http|ftp)
  list                    list shares with their addresses and hit counts
  open ID | close ID      start or stop sharing an entry
  remove ID               delete a closed entry
  open-all | close-all    open or close every entry

Browsing:
  browse [ADDRESS]        load a listing address, or show the current one
  enter NAME | back       navigate the loaded listing
  download [NAME]         download an item of the current listing, or all of it
  downloads               show download progress (--clear drops finished items)

Other:
  settings [KEY=VALUE...] show or change settings
  watch [TYPE...]         stream hit, share and download events

Run "filesharer <command> --help" for the flags of a command.
`)
}
