package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
)

const usageFmt = `
Command Usage: %s [Flags]
  Generate WakeLink protocol test vectors: signed encrypted envelopes with
  their keys, nonces and intermediate values, for checking other protocol
  implementations against this one.

Flags:
------
`

var defaultCommands = []string{"ping", "info", "wake", "counter_info", "maintenance"}

type Cmd struct {
	Out      *json.Encoder
	Commands []string
	Repeat   int
	Seed     uint64
}

func parseFlags(progname string, args []string) *Cmd {
	cmd := Cmd{}

	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	var outPath string
	flags.StringVar(&outPath, "o", "-", `path where to save the generated vectors`)

	var commands []string
	flags.Func("c", `command to encode, repeatable, defaults to the built-in set`, func(v string) error {
		commands = append(commands, v)
		return nil
	})

	var repeat uint
	flags.UintVar(&repeat, "n", 5, `number of vectors to generate for each command`)

	var seed uint64
	flags.Uint64Var(&seed, "seed", 0, `rng seed, same seed same vectors`)

	flags.Parse(args)

	// set cmd.Out
	var err error
	var outFile *os.File
	if "-" != outPath {
		outFile, err = os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if nil != err {
			log.Fatalf("Failed opening %s, got error %v", outPath, err)
		}
	} else {
		outFile = os.Stdout
	}
	enc := json.NewEncoder(outFile)
	enc.SetIndent("", "  ")
	cmd.Out = enc

	if 0 == len(commands) {
		commands = defaultCommands
	}
	cmd.Commands = commands
	cmd.Repeat = int(repeat)
	cmd.Seed = seed

	return &cmd
}

func main() {
	cmd := parseFlags(os.Args[0], os.Args[1:])
	initRng(cmd.Seed)

	var vectors []TestVector
	for _, command := range cmd.Commands {
		for range cmd.Repeat {
			vector := TestVector{}
			err := fillVector(command, &vector)
			if nil != err {
				log.Fatalf("Failed generating TestVector, got error %v", err)
			}
			vectors = append(vectors, vector)
		}
	}
	err := cmd.Out.Encode(vectors)
	if nil != err {
		log.Fatalf("Failed serializing []TestVector, got error %v", err)
	}
}
