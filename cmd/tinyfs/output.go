package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/file_systems/tfs"
	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"
)

const timeFormat = time.RFC3339

type listingRow struct {
	Name     string `csv:"name"`
	Type     string `csv:"type"`
	Inode    uint64 `csv:"inode"`
	Mode     string `csv:"mode"`
	Links    uint64 `csv:"links"`
	Uid      uint32 `csv:"uid"`
	Gid      uint32 `csv:"gid"`
	Size     int64  `csv:"size"`
	Blocks   int64  `csv:"blocks"`
	Modified string `csv:"modified"`
}

func fileTypeName(stat tinyfs.FileStat) string {
	if stat.IsDir() {
		return "directory"
	}
	return "file"
}

func newListingRow(name string, stat tinyfs.FileStat) listingRow {
	return listingRow{
		Name:     name,
		Type:     fileTypeName(stat),
		Inode:    stat.InodeNumber,
		Mode:     stat.ModeFlags.String(),
		Links:    stat.Nlinks,
		Uid:      stat.Uid,
		Gid:      stat.Gid,
		Size:     stat.Size,
		Blocks:   stat.NumBlocks,
		Modified: stat.LastModified.UTC().Format(timeFormat),
	}
}

func printListing(ctx *cli.Context, entries []tinyfs.DirectoryEntry) error {
	rows := make([]listingRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, newListingRow(entry.Name(), entry.Stat))
	}
	if ctx.Bool("csv") {
		return gocsv.Marshal(&rows, ctx.App.Writer)
	}

	table := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, row := range rows {
		fmt.Fprintf(
			table,
			"%s\t%d\t%d\t%d\t%d\t%s\t %s\n",
			row.Mode,
			row.Links,
			row.Uid,
			row.Gid,
			row.Size,
			row.Modified,
			row.Name)
	}
	return table.Flush()
}

type statRow struct {
	listingRow
	Accessed string `csv:"accessed"`
	Changed  string `csv:"changed"`
}

func printStat(ctx *cli.Context, path string, stat tinyfs.FileStat) error {
	row := statRow{
		listingRow: newListingRow(path, stat),
		Accessed:   stat.LastAccessed.UTC().Format(timeFormat),
		Changed:    stat.LastChanged.UTC().Format(timeFormat),
	}
	if ctx.Bool("csv") {
		return gocsv.Marshal(&[]statRow{row}, ctx.App.Writer)
	}

	table := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 1, ' ', 0)
	fmt.Fprintf(table, "Path:\t%s\n", row.Name)
	fmt.Fprintf(table, "Type:\t%s\n", row.Type)
	fmt.Fprintf(table, "Inode:\t%d\n", row.Inode)
	fmt.Fprintf(table, "Mode:\t%s\n", row.Mode)
	fmt.Fprintf(table, "Links:\t%d\n", row.Links)
	fmt.Fprintf(table, "Owner:\t%d:%d\n", row.Uid, row.Gid)
	fmt.Fprintf(table, "Size:\t%d (%d blocks)\n", row.Size, row.Blocks)
	fmt.Fprintf(table, "Accessed:\t%s\n", row.Accessed)
	fmt.Fprintf(table, "Modified:\t%s\n", row.Modified)
	fmt.Fprintf(table, "Changed:\t%s\n", row.Changed)
	return table.Flush()
}

type volumeInfoRow struct {
	VolumeID        string `csv:"volume_id"`
	BlockSize       uint   `csv:"block_size"`
	TotalBlocks     uint   `csv:"total_blocks"`
	InodeTableStart uint   `csv:"inode_table_start"`
	DataRegionStart uint   `csv:"data_region_start"`
	Inodes          uint64 `csv:"inodes"`
	InodesFree      uint64 `csv:"inodes_free"`
	DataBlocks      uint64 `csv:"data_blocks"`
	DataBlocksFree  uint64 `csv:"data_blocks_free"`
	MaxNameLength   int64  `csv:"max_name_length"`
}

func newVolumeInfoRow(sb *tfs.Superblock, stat tinyfs.FSStat) volumeInfoRow {
	return volumeInfoRow{
		VolumeID:        sb.VolumeID.String(),
		BlockSize:       sb.BlockSize,
		TotalBlocks:     sb.TotalBlocks,
		InodeTableStart: uint(sb.InodeTableStart),
		DataRegionStart: uint(sb.DataRegionStart),
		Inodes:          stat.Files,
		InodesFree:      stat.FilesFree,
		DataBlocks:      stat.TotalBlocks,
		DataBlocksFree:  stat.BlocksFree,
		MaxNameLength:   stat.MaxNameLength,
	}
}

func printVolumeInfo(ctx *cli.Context, row volumeInfoRow) error {
	if ctx.Bool("csv") {
		return gocsv.Marshal(&[]volumeInfoRow{row}, ctx.App.Writer)
	}

	table := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 1, ' ', 0)
	fmt.Fprintf(table, "Volume ID:\t%s\n", row.VolumeID)
	fmt.Fprintf(table, "Block size:\t%d\n", row.BlockSize)
	fmt.Fprintf(table, "Total blocks:\t%d\n", row.TotalBlocks)
	fmt.Fprintf(table, "Inode table:\tblock %d\n", row.InodeTableStart)
	fmt.Fprintf(table, "Data region:\tblock %d\n", row.DataRegionStart)
	fmt.Fprintf(table, "Inodes:\t%d used, %d free\n", row.Inodes-row.InodesFree, row.InodesFree)
	fmt.Fprintf(
		table,
		"Data blocks:\t%d used, %d free\n",
		row.DataBlocks-row.DataBlocksFree,
		row.DataBlocksFree)
	fmt.Fprintf(table, "Max name length:\t%d\n", row.MaxNameLength)
	return table.Flush()
}

type problemRow struct {
	Problem string `csv:"problem"`
}

func printCheckReport(ctx *cli.Context, report *tfs.CheckReport) error {
	if ctx.Bool("csv") {
		rows := make([]problemRow, 0, len(report.Problems))
		for _, problem := range report.Problems {
			rows = append(rows, problemRow{Problem: problem})
		}
		return gocsv.Marshal(&rows, ctx.App.Writer)
	}

	for _, problem := range report.Problems {
		fmt.Fprintln(ctx.App.Writer, problem)
	}
	fmt.Fprintf(
		ctx.App.Writer,
		"%d inodes and %d blocks reachable, %d problem(s)\n",
		report.ReachableInodes,
		report.ReachableBlocks,
		len(report.Problems))
	return nil
}
