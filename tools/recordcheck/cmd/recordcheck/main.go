package main

import (
	"flag"
	"fmt"
	"os"

	"landsync/runtime/internal/land"
	"landsync/runtime/internal/lands"
	"landsync/runtime/tools/recordcheck"
)

func main() {
	exportPath := flag.String("export", "", "optional JSONL export to diff against")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: recordcheck [-export file.jsonl.sz] <record.json[.zst]>")
		os.Exit(2)
	}

	defs := map[string]*land.Definition{
		"lobby": lands.Lobby(),
	}
	report, err := recordcheck.Check(flag.Arg(0), defs, *exportPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	recordcheck.Render(os.Stdout, report)
	if !report.OK() {
		os.Exit(1)
	}
}
