package pump

import (
	"testing"

	"github.com/Purgator/CK-Monitoring/entry"
)

func TestParseLogFilter(t *testing.T) {
	cases := []struct {
		in     string
		want   LogFilter
		forced bool
	}{
		{"Debug", LogFilterDebug, false},
		{"verbose", LogFilterVerbose, false},
		{"Release!", LogFilterRelease, true},
		{"Off", LogFilterOff, false},
		{"", LogFilterUndefined, false},
		{"{Off, Debug}", LogFilter{Group: FilterOff, Line: FilterDebug}, false},
		{"{Trace,Warn}", LogFilter{Group: FilterTrace, Line: FilterWarn}, false},
	}
	for _, c := range cases {
		got, forced, err := ParseLogFilter(c.in)
		if err != nil {
			t.Errorf("ParseLogFilter(%q): %v", c.in, err)
			continue
		}
		if got != c.want || forced != c.forced {
			t.Errorf("ParseLogFilter(%q) = %v/%v, want %v/%v", c.in, got, forced, c.want, c.forced)
		}
	}
	if _, _, err := ParseLogFilter("NotAFilter"); err == nil {
		t.Error("expected error for unknown filter name")
	}
	if _, _, err := ParseLogFilter("{Debug}"); err == nil {
		t.Error("expected error for one-element tuple")
	}
}

func TestLogFilterString(t *testing.T) {
	if s := LogFilterRelease.String(); s != "Release" {
		t.Errorf("String() = %q", s)
	}
	f := LogFilter{Group: FilterOff, Line: FilterDebug}
	if s := f.String(); s != "{Off,Debug}" {
		t.Errorf("String() = %q", s)
	}
}

func TestLogLevelFilterCombine(t *testing.T) {
	if got := FilterError.Combine(FilterDebug); got != FilterDebug {
		t.Errorf("least restrictive must win, got %v", got)
	}
	if got := FilterUndefined.Combine(FilterWarn); got != FilterWarn {
		t.Errorf("Undefined must lose, got %v", got)
	}
	if got := FilterOff.Combine(FilterTrace); got != FilterTrace {
		t.Errorf("Off vs Trace = %v, want Trace", got)
	}
}

func TestLogLevelFilterAllows(t *testing.T) {
	if !FilterDebug.Allows(entry.LevelDebug) || !FilterDebug.Allows(entry.LevelFatal) {
		t.Error("Debug filter must allow everything")
	}
	if FilterError.Allows(entry.LevelWarn) || !FilterError.Allows(entry.LevelError) {
		t.Error("Error filter threshold broken")
	}
	if FilterOff.Allows(entry.LevelFatal) {
		t.Error("Off must block everything")
	}
	if !FilterUndefined.Allows(entry.LevelDebug) {
		t.Error("Undefined defers, allowing by itself")
	}
}

func TestResolveFilter(t *testing.T) {
	minimal := LogFilter{Group: FilterTrace, Line: FilterTrace}
	tagFilters := []TagFilter{
		{Tags: entry.NewTags("Sql"), Filter: LogFilterDebug},
		{Tags: entry.NewTags("Machine"), Filter: LogFilterRelease, Forced: true},
	}
	if f := resolveFilter(minimal, tagFilters, entry.NewTags("Other"), false); f != minimal {
		t.Errorf("unmatched tags must fall back to minimal, got %v", f)
	}
	if f := resolveFilter(minimal, tagFilters, entry.NewTags("Machine|Sql"), false); f != LogFilterDebug {
		t.Errorf("least restrictive tag filter must win, got %v", f)
	}
	// Filtered entries only see forced tag filters.
	if f := resolveFilter(minimal, tagFilters, entry.NewTags("Machine|Sql"), true); f != LogFilterRelease {
		t.Errorf("non-forced filters must be skipped for filtered entries, got %v", f)
	}
}
