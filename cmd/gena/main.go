// Command gena drives a distributed EPUB-to-audiobook conversion run:
// it parses an input book into text chunks, resumes or creates a
// session, dispatches synthesis jobs across a pool of remote workers,
// and assembles the completed audio into a chaptered audiobook.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(os.Args[2:])
	case "workers":
		err = runWorkers(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "gena: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "gena: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  gena convert <input.epub> [output.m4b] [flags]
  gena workers list
  gena workers add <name> <host> [-u user] [-p port] [-k key] [--priority n]
  gena workers remove <name>
  gena workers test [name]
  gena workers setup <name>`)
}
