package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Purgator/CK-Monitoring/logindex"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index <dir-or-file>...",
	Short: "Index .ckmon files by monitor identity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var paths []string
		for _, arg := range args {
			info, err := os.Stat(arg)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				paths = append(paths, arg)
				continue
			}
			found, err := filepath.Glob(filepath.Join(arg, "*.ckmon"))
			if err != nil {
				return err
			}
			paths = append(paths, found...)
		}
		if len(paths) == 0 {
			return fmt.Errorf("no .ckmon file found")
		}
		return runIndex(paths)
	},
}

func runIndex(paths []string) error {
	reader := logindex.NewMultiLogReader()

	// Files are independent: scan them concurrently, the index
	// aggregates under its own locks.
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			reader.Add(p)
		}(path)
	}
	wg.Wait()

	for _, f := range reader.Files() {
		status := "ok"
		switch {
		case !f.IsValidFile():
			status = fmt.Sprintf("invalid: %v", f.Error)
		case f.BadEndOfFile:
			status = "truncated"
		}
		fmt.Printf("%s: version %d, %d entries [%s]\n",
			f.Path(), f.StreamVersion, f.TotalEntryCount, status)
	}

	first, last := reader.TimeWindow()
	if first.IsKnown() {
		fmt.Printf("window: %s .. %s\n", first, last)
	}

	for _, m := range reader.Monitors() {
		firstTime, _ := m.FirstEntry()
		lastTime, lastDepth := m.LastEntry()
		fmt.Printf("\nmonitor %s\n", m.ID)
		fmt.Printf("  %d file(s), %s .. %s (final depth %d)\n",
			len(m.Occurrences()), firstTime, lastTime, lastDepth)

		if hist := m.TagHistogram(); len(hist) > 0 {
			tags := make([]string, 0, len(hist))
			for tag := range hist {
				tags = append(tags, tag)
			}
			sort.Strings(tags)
			var parts []string
			for _, tag := range tags {
				parts = append(parts, fmt.Sprintf("%s×%d", tag, hist[tag]))
			}
			fmt.Printf("  tags: %s\n", strings.Join(parts, ", "))
		}
		if card := m.IdentityCard(); card != nil {
			fmt.Printf("  identity:\n")
			for _, k := range card.Keys() {
				v, _ := card.Get(k)
				fmt.Printf("    %s = %s\n", k, v)
			}
		}
	}
	return nil
}
