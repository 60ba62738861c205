// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/imagelookup"
)

type imagesCmd struct {
	root        *rootCmd
	loadAddress uint64
}

func newImagesCmd(root *rootCmd) *ffcli.Command {
	args := &imagesCmd{root: root}

	set := flag.NewFlagSet("images", flag.ExitOnError)
	set.Uint64Var(&args.loadAddress, "load-address", 0,
		"Address the image is loaded at, zero keeps link time addresses")

	return &ffcli.Command{
		Name:       "images",
		Exec:       args.exec,
		ShortUsage: "images [flags] <binary>...",
		ShortHelp:  "Print the unwind tables of ELF and Mach-O binaries",
		FlagSet:    set,
	}
}

func (cmd *imagesCmd) exec(_ context.Context, paths []string) error {
	cmd.root.setupLogging()
	if len(paths) == 0 {
		return errors.New("no binary given")
	}
	for _, path := range paths {
		if err := describeImage(os.Stdout, path, libpf.Address(cmd.loadAddress)); err != nil {
			return err
		}
	}
	return nil
}

func describeImage(w io.Writer, path string, loadAddress libpf.Address) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, _, err := imagelookup.Load(f, path, loadAddress)
	if err != nil {
		return err
	}
	fileID, err := libpf.FileIDFromExecutableReader(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v (%v, slide %d)\n", &img, img.Arch, img.Slide)
	fmt.Fprintf(w, "  %-14s %v\n", "file-id", fileID)
	for _, s := range []struct {
		name    string
		section imagelookup.Section
	}{
		{"compact-unwind", img.CompactUnwind},
		{"eh-frame", img.EHFrame},
		{"eh-frame-hdr", img.EHFrameHdr},
		{"debug-frame", img.DebugFrame},
	} {
		if s.section.Present() {
			fmt.Fprintf(w, "  %-14s 0x%x-0x%x\n", s.name, s.section.Start, s.section.End())
		}
	}
	return nil
}
