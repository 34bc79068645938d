package main

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-dynsidecar/pkg/runner"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" description:"path to the configuration file"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds, 0 runs until signalled"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	if opts.Config == "" {
		fmt.Println("Configuration file is required")
		os.Exit(1)
	}

	if opts.Validate {
		if _, err := runner.LoadAndValidate(opts.Config); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		return
	}

	err = runner.Run(opts.RunDuration, opts.Config)
	if err != nil {
		fmt.Printf("Runner failed: %v\n", err)
		os.Exit(1)
	}
}
