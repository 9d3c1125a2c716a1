// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-writecore is a small harness around the write path: it
// opens one or more block devices, allocates a chunk for a requested
// block-group profile, and issues a single logical write through the
// Chunk Allocator, Stripe Planner, and Write Dispatcher.
package main

import (
	"context"
	"fmt"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/btrfswrite/driver/lib/btrfs/btrfsprim"
	"github.com/btrfswrite/driver/lib/btrfs/btrfsvol"
	"github.com/btrfswrite/driver/lib/btrfs/btrfswrite"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

// osFileDevice adapts an *os.File to btrfswrite.PhysDevice.
type osFileDevice struct{ f *os.File }

func (d osFileDevice) ReadAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return d.f.ReadAt(p, int64(off))
}

func (d osFileDevice) WriteAt(p []byte, off btrfsvol.PhysicalAddr) (int, error) {
	return d.f.WriteAt(p, int64(off))
}

type fragmentReader struct{}

func (fragmentReader) ReadFragment(ctx context.Context, dev *btrfswrite.Device, off btrfsvol.PhysicalAddr, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := dev.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}
	var devicePaths []string
	var profile string
	var offset int64
	var inputPath string
	var report string

	argparser := &cobra.Command{
		Use:   "btrfs-writecore --pv DEV [--pv DEV...] --profile PROFILE --offset N --input FILE",
		Short: "Drive the write path against one or more raw block devices",

		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.Flags().Var(&logLevel, "verbosity", "set the verbosity")
	argparser.Flags().StringArrayVar(&devicePaths, "pv", nil, "raw block device or regular file to use as a `physical_volume`")
	argparser.Flags().StringVar(&profile, "profile", "single", "block-group profile: single|dup|raid0|raid1|raid10|raid5|raid6")
	argparser.Flags().Int64Var(&offset, "offset", 0, "logical file offset to write at")
	argparser.Flags().StringVar(&inputPath, "input", "", "file whose contents to write")
	argparser.Flags().StringVar(&report, "report", "table", "post-write device report format: table|json|none")
	if err := argparser.MarkFlagRequired("pv"); err != nil {
		panic(err)
	}
	if err := argparser.MarkFlagRequired("input"); err != nil {
		panic(err)
	}

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := logrus.New()
		logger.SetLevel(logLevel.Level)
		ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
		grp.Go("main", func(ctx context.Context) error {
			return run(ctx, devicePaths, profile, offset, inputPath, report)
		})
		return grp.Wait()
	}

	if err := argparser.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, devicePaths []string, profile string, offset int64, inputPath, report string) error {
	cfg := btrfswrite.DefaultConfig()
	cfg.DataFlags = parseProfile(profile)

	var devices []*btrfswrite.Device
	var closers []*os.File
	defer func() {
		for _, f := range closers {
			f.Close()
		}
	}()
	for i, path := range devicePaths {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		closers = append(closers, f)
		stat, err := f.Stat()
		if err != nil {
			return err
		}
		id := btrfsvol.DeviceID(i + 1)
		devices = append(devices, btrfswrite.NewDevice(id, btrfsprim.UUID(uuid.New()), osFileDevice{f}, stat.Size(), cfg.SectorSize))
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", inputPath, err)
	}

	alloc := btrfswrite.NewAllocator(cfg, devices)
	planner := btrfswrite.NewPlanner(4096)
	dispatch := btrfswrite.NewDispatcher()
	worker := btrfswrite.NewWorkerPool(ctx, 4)
	defer worker.Close()
	writer := btrfswrite.NewWriter(cfg, alloc, planner, dispatch, fragmentReader{}, nil, nil)

	f := btrfswrite.NewFile(btrfsprim.ObjID(5), btrfsprim.ObjID(256), cfg.SectorSize, noopExtentTree{}, worker)
	n, err := writer.Write(ctx, f, offset, data, false)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "wrote %s at offset %d across %d device(s), profile=%s", humanize.IBytes(uint64(n)), offset, len(devices), profile)
	if alloc.IncompatRAID56Needed() {
		dlog.Infof(ctx, "incompat_flags RAID56 required: a RAID5/6 chunk now exists on this filesystem")
	}

	return emitReport(report, devices)
}

// deviceReportRow is one row of the post-write device usage report.
type deviceReportRow struct {
	ID       btrfsvol.DeviceID `json:"id"`
	UUID     btrfsprim.UUID    `json:"uuid"`
	Size     int64             `json:"size"`
	Used     int64             `json:"used"`
	SizeText string            `json:"size_text"`
	UsedText string            `json:"used_text"`
}

func buildReport(devices []*btrfswrite.Device) []deviceReportRow {
	rows := make([]deviceReportRow, len(devices))
	for i, d := range devices {
		rows[i] = deviceReportRow{
			ID: d.ID, UUID: d.UUID, Size: d.TotalSize, Used: d.BytesUsed,
			SizeText: humanize.IBytes(uint64(d.TotalSize)),
			UsedText: humanize.IBytes(uint64(d.BytesUsed)),
		}
	}
	return rows
}

// emitReport prints the per-device stripe usage after a write, in the
// format requested by --report.
func emitReport(format string, devices []*btrfswrite.Device) error {
	rows := buildReport(devices)
	switch format {
	case "none":
		return nil
	case "json":
		return lowmemjson.NewEncoder(os.Stdout).Encode(rows)
	default:
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Device", "UUID", "Size", "Used"})
		for _, r := range rows {
			t.AppendRow(table.Row{r.ID, r.UUID, r.SizeText, r.UsedText})
		}
		t.Render()
		return nil
	}
}

func parseProfile(s string) btrfsvol.BlockGroupFlags {
	base := btrfsvol.BLOCK_GROUP_DATA
	switch s {
	case "dup":
		return base | btrfsvol.BLOCK_GROUP_DUP
	case "raid0":
		return base | btrfsvol.BLOCK_GROUP_RAID0
	case "raid1":
		return base | btrfsvol.BLOCK_GROUP_RAID1
	case "raid10":
		return base | btrfsvol.BLOCK_GROUP_RAID10
	case "raid5":
		return base | btrfsvol.BLOCK_GROUP_RAID5
	case "raid6":
		return base | btrfsvol.BLOCK_GROUP_RAID6
	default:
		return base
	}
}

// noopExtentTree is the standalone harness's ExtentTree collaborator: it has
// no B-tree to batch ref-count changes into, so it just logs them.
type noopExtentTree struct{}

func (noopExtentTree) UpdateRef(ctx context.Context, chunkAddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, subvol, inode btrfsprim.ObjID, fileOffset int64, delta int64, nosum, superseded bool) error {
	dlog.Debugf(ctx, "update_ref chunk=%v delta=%d", chunkAddr, delta)
	return nil
}

func (noopExtentTree) RefCount(ctx context.Context, chunkAddr btrfsvol.LogicalAddr, size btrfsvol.AddrDelta) (uint64, error) {
	return 1, nil
}
