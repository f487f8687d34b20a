package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <file.ckmon>...",
	Short: "Print the entries of one or more binary log streams",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		monitorID, _ := cmd.Flags().GetString("monitor")
		offset, _ := cmd.Flags().GetInt64("offset")
		for _, path := range args {
			if err := dumpFile(path, monitorID, offset); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	dumpCmd.Flags().String("monitor", "", "only entries of this monitor id")
	dumpCmd.Flags().Int64("offset", 0, "start at this stream offset")
}

func dumpFile(path, monitorID string, offset int64) error {
	var opts []entry.ReaderOption
	if offset > 0 {
		opts = append(opts, entry.WithInitialOffset(offset))
	}
	if monitorID != "" {
		// No upper bound: filter the whole stream.
		opts = append(opts, entry.WithMulticastFilter(monitorID, int64(1<<62)))
	}
	rd, err := entry.OpenReader(path, opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer rd.Close()

	fmt.Printf("%s (stream version %d)\n", path, rd.StreamVersion())
	count := 0
	for rd.MoveNext() {
		e := rd.Current()
		monitor := "-"
		depth := uint32(0)
		if m := rd.CurrentMulticast(); m != nil {
			monitor = m.MonitorID
			depth = m.GroupDepth
		}
		marker := " "
		switch e.Kind {
		case entry.TypeOpenGroup:
			marker = ">"
		case entry.TypeCloseGroup:
			marker = "<"
		}
		fmt.Printf("%8d %s %-5s %s %s%s %s\n",
			rd.StreamOffset(), e.LogTime, e.Level, monitor,
			strings.Repeat("  ", int(depth)), marker, e.Text)
		for _, c := range e.Conclusions {
			fmt.Printf("%10s- %s: %s\n", "", c.Tag, c.Text)
		}
		count++
	}
	if err := rd.ReadError(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: read stopped: %v\n", path, err)
	}
	if rd.BadEndOfFileMarker() {
		fmt.Fprintf(os.Stderr, "%s: missing end-of-stream marker (truncated file)\n", path)
	}
	fmt.Printf("%d entries\n", count)
	return nil
}
