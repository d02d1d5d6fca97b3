package main

import (
	"fmt"
	"io"
	"os"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "expected 'models', 'transcribe', 'set-key', 'key-types', 'history' or 'version'")
		return 2
	}

	var err error
	switch args[0] {
	case "models":
		err = runModels(args[1:], stdout)
	case "transcribe":
		err = runTranscribe(args[1:], stdout)
	case "set-key":
		err = runSetKey(args[1:], stdout)
	case "key-types":
		err = runKeyTypes(args[1:], stdout)
	case "history":
		err = runHistory(args[1:], stdout)
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
