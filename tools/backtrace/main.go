// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// backtrace prints native backtraces of crash snapshots. A snapshot holds
// the registers and captured stack memory of the crashed thread together with
// the images that were loaded.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/vc"
)

type rootCmd struct {
	verbose bool
}

func (r *rootCmd) setupLogging() {
	if r.verbose {
		log.SetLevel(log.DebugLevel)
	}
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	args := &rootCmd{}
	set := flag.NewFlagSet("backtrace", flag.ExitOnError)
	set.BoolVar(&args.verbose, "v", false, "Enable debug logging")

	root := ffcli.Command{
		Name:       "backtrace",
		ShortUsage: "backtrace [-v] <subcommand> [flags]",
		ShortHelp:  "Tool for unwinding native crash snapshots",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix("BACKTRACE")},
		Subcommands: []*ffcli.Command{
			newUnwindCmd(args),
			newImagesCmd(args),
			{
				Name:       "version",
				ShortUsage: "backtrace version",
				ShortHelp:  "Print the version of the tool",
				Exec: func(context.Context, []string) error {
					fmt.Printf("backtrace %s (revision %q)\n", vc.Version(), vc.Revision())
					return nil
				},
			},
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
