// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/crashunwind/metrics"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
	"go.opentelemetry.io/crashunwind/nativeunwind/unwinder"
)

// FrameInfo is one symbolized frame of a report.
type FrameInfo struct {
	PC             hexValue `json:"pc"`
	SP             hexValue `json:"sp"`
	FP             hexValue `json:"fp"`
	Strategy       string   `json:"strategy"`
	Image          string   `json:"image,omitempty"`
	Offset         hexValue `json:"offset,omitempty"`
	Function       string   `json:"function,omitempty"`
	FunctionOffset hexValue `json:"function-offset,omitempty"`
}

// Report is the backtrace of one snapshot.
type Report struct {
	ID          string        `json:"id"`
	Snapshot    string        `json:"snapshot"`
	Frames      []FrameInfo   `json:"frames"`
	Reason      string        `json:"reason"`
	LastFailure string        `json:"last-failure,omitempty"`
	Suppressed  int           `json:"suppressed,omitempty"`
	Hash        string        `json:"hash"`
	Images      []LoadedImage `json:"images,omitempty"`
}

type unwindCmd struct {
	root *rootCmd

	jsonOutput bool
	parallel   int
	cfg        unwinder.Config
}

func newUnwindCmd(root *rootCmd) *ffcli.Command {
	args := &unwindCmd{root: root}
	defaults := unwinder.DefaultConfig()

	set := flag.NewFlagSet("unwind", flag.ExitOnError)
	set.BoolVar(&args.jsonOutput, "json", false, "Print reports as JSON")
	set.IntVar(&args.parallel, "parallel", runtime.NumCPU(), "Number of snapshots unwound concurrently")
	set.IntVar(&args.cfg.MaxFrames, "max-frames", defaults.MaxFrames, "Maximum number of frames")
	set.IntVar(&args.cfg.RecursionThreshold, "recursion-threshold", defaults.RecursionThreshold,
		"Repeated frames after which frame logging is suppressed, negative to never suppress")
	set.IntVar(&args.cfg.ScanLimit, "scan-limit", defaults.ScanLimit,
		"Number of stack words examined by the stack scan, negative to disable it")
	set.Uint64Var(&args.cfg.PACMask, "pac-mask", 0, "Pointer authentication bits of arm64 code pointers")
	set.BoolVar(&args.cfg.VerifyCallSites, "verify-call-sites", false,
		"Only accept stack scan candidates that follow a call instruction")

	return &ffcli.Command{
		Name:       "unwind",
		Exec:       args.exec,
		ShortUsage: "unwind [flags] <snapshot>...",
		ShortHelp:  "Print the backtraces of crash snapshots",
		FlagSet:    set,
	}
}

func (cmd *unwindCmd) exec(ctx context.Context, paths []string) error {
	cmd.root.setupLogging()
	if len(paths) == 0 {
		return errors.New("no snapshot given")
	}
	if err := cmd.cfg.Validate(); err != nil {
		return err
	}
	reports, err := unwindAll(ctx, paths, cmd.cfg, cmd.parallel)
	if err != nil {
		return err
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		logMetrics()
	}
	return writeReports(os.Stdout, reports, cmd.jsonOutput)
}

// unwindAll unwinds the snapshots concurrently. Reports keep the order of
// paths.
func unwindAll(ctx context.Context, paths []string, cfg unwinder.Config,
	parallel int) ([]Report, error) {
	reports := make([]Report, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			report, err := unwindSnapshot(path, cfg)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func unwindSnapshot(path string, cfg unwinder.Config) (Report, error) {
	snap, err := readSnapshot(path)
	if err != nil {
		return Report{}, err
	}
	regCtx, rm, registry, err := snap.prepare()
	if err != nil {
		return Report{}, err
	}
	metrics.Add(metrics.IDUnwindImages, metrics.MetricValue(len(registry.Images())))

	session, err := unwinder.NewSession(regCtx.Arch(), rm, registry, cfg)
	if err != nil {
		return Report{}, err
	}
	defer session.FlushMetrics()

	// Frames are pulled one by one so that only MaxFrames bounds the
	// backtrace, however deep the stack.
	if err = session.Reset(&regCtx); err != nil {
		return Report{}, err
	}
	res := unwinder.Result{Frames: make([]unwinder.Frame, 0, 64)}
	for {
		f, ok := session.Next()
		if !ok {
			break
		}
		res.Frames = append(res.Frames, f)
	}
	res.Reason = session.Reason()
	res.LastFailure = session.LastFailure()
	res.Suppressed = session.Suppressed()
	report := Report{
		ID:         uuid.New().String(),
		Snapshot:   path,
		Frames:     make([]FrameInfo, 0, len(res.Frames)),
		Reason:     res.Reason.String(),
		Suppressed: res.Suppressed,
		Hash:       fmt.Sprintf("%016x", res.Hash()),
		Images:     snap.loaded,
	}
	if res.LastFailure != nativeunwind.KindNone {
		report.LastFailure = res.LastFailure.String()
	}
	for _, f := range res.Frames {
		report.Frames = append(report.Frames, symbolize(registry, snap.symbols, f))
	}
	return report, nil
}

// symbolize names the image and function of a frame. Return addresses are
// looked up one byte earlier so that calls at the end of a function are
// attributed to it.
func symbolize(images imagelookup.Lookup, symbols map[string]*symbolMap,
	f unwinder.Frame) FrameInfo {
	fi := FrameInfo{
		PC:       hexValue(f.PC),
		SP:       hexValue(f.SP),
		FP:       hexValue(f.FP),
		Strategy: f.Strategy.String(),
	}
	lookup := f.PC
	if !f.Signal {
		lookup--
	}
	img, ok := images.FindImage(lookup)
	if !ok {
		return fi
	}
	fi.Image = img.Name
	fi.Offset = hexValue(f.PC - img.LoadAddress)
	if sym, ok := symbols[img.Name].lookup(lookup); ok {
		fi.Function = sym.name
		fi.FunctionOffset = hexValue(f.PC - sym.address)
	}
	return fi
}

func writeReports(w io.Writer, reports []Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	for i := range reports {
		r := &reports[i]
		if _, err := fmt.Fprintf(w, "%s (report %s)\n", r.Snapshot, r.ID); err != nil {
			return err
		}
		for n, f := range r.Frames {
			location := "???"
			if f.Image != "" {
				location = fmt.Sprintf("%s+0x%x", f.Image, uint64(f.Offset))
			}
			if f.Function != "" {
				location += fmt.Sprintf(" %s+0x%x", f.Function, uint64(f.FunctionOffset))
			}
			if _, err := fmt.Fprintf(w, "#%-3d 0x%016x %s (%s)\n",
				n, uint64(f.PC), location, f.Strategy); err != nil {
				return err
			}
		}
		summary := fmt.Sprintf("stopped: %s, hash %s", r.Reason, r.Hash)
		if r.LastFailure != "" {
			summary += ", last failure: " + r.LastFailure
		}
		if r.Suppressed != 0 {
			summary += fmt.Sprintf(", %d recursive frames", r.Suppressed)
		}
		if _, err := fmt.Fprintf(w, "%s\n\n", summary); err != nil {
			return err
		}
	}
	return nil
}

func logMetrics() {
	defs, err := metrics.GetDefinitions()
	if err != nil {
		log.Warnf("Failed to read metric definitions: %v", err)
		return
	}
	values := metrics.Snapshot()
	for _, def := range defs {
		if v := values[def.ID]; v != 0 {
			log.Debugf("%s: %d", def.Name, v)
		}
	}
}
