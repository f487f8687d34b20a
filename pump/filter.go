package pump

import (
	"fmt"
	"strings"

	"github.com/Purgator/CK-Monitoring/entry"
)

// LogLevelFilter is the lower bound applied to entries of one kind.
// The zero value is Undefined: no opinion, defers to the surrounding
// default. Numeric values align with entry.LogLevel so that a filter
// allows every level at or above itself; Off blocks everything.
type LogLevelFilter int8

const (
	FilterUndefined LogLevelFilter = iota
	FilterDebug
	FilterTrace
	FilterInfo
	FilterWarn
	FilterError
	FilterFatal
	FilterOff
)

// Allows reports whether an entry of the given level passes the
// filter. Undefined allows everything (the caller resolves Undefined
// against its default before asking, when a default exists).
func (f LogLevelFilter) Allows(l entry.LogLevel) bool {
	switch f {
	case FilterOff:
		return false
	case FilterUndefined:
		return true
	default:
		return int8(l) >= int8(f)
	}
}

// Combine merges two filters, the least restrictive (most verbose)
// winning. Undefined always loses.
func (f LogLevelFilter) Combine(o LogLevelFilter) LogLevelFilter {
	if f == FilterUndefined {
		return o
	}
	if o == FilterUndefined {
		return f
	}
	if o < f {
		return o
	}
	return f
}

func (f LogLevelFilter) String() string {
	switch f {
	case FilterDebug:
		return "Debug"
	case FilterTrace:
		return "Trace"
	case FilterInfo:
		return "Info"
	case FilterWarn:
		return "Warn"
	case FilterError:
		return "Error"
	case FilterFatal:
		return "Fatal"
	case FilterOff:
		return "Off"
	default:
		return "Undefined"
	}
}

// ParseLogLevelFilter parses a single level filter name. "None" is an
// alias for Undefined.
func ParseLogLevelFilter(s string) (LogLevelFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "undefined", "none":
		return FilterUndefined, nil
	case "debug":
		return FilterDebug, nil
	case "trace":
		return FilterTrace, nil
	case "info":
		return FilterInfo, nil
	case "warn", "warning":
		return FilterWarn, nil
	case "error":
		return FilterError, nil
	case "fatal":
		return FilterFatal, nil
	case "off":
		return FilterOff, nil
	default:
		return FilterUndefined, fmt.Errorf("unknown log level filter %q", s)
	}
}

// LogFilter bounds group entries and line entries independently.
type LogFilter struct {
	Group LogLevelFilter
	Line  LogLevelFilter
}

// Named filters, from most verbose to most restrictive.
var (
	LogFilterUndefined = LogFilter{}
	LogFilterDebug     = LogFilter{Group: FilterDebug, Line: FilterDebug}
	LogFilterVerbose   = LogFilter{Group: FilterTrace, Line: FilterInfo}
	LogFilterMonitor   = LogFilter{Group: FilterTrace, Line: FilterWarn}
	LogFilterTerse     = LogFilter{Group: FilterInfo, Line: FilterError}
	LogFilterRelease   = LogFilter{Group: FilterError, Line: FilterError}
	LogFilterOff       = LogFilter{Group: FilterOff, Line: FilterOff}
)

// IsUndefined reports whether both components are Undefined.
func (f LogFilter) IsUndefined() bool {
	return f.Group == FilterUndefined && f.Line == FilterUndefined
}

// Combine merges component-wise, least restrictive winning.
func (f LogFilter) Combine(o LogFilter) LogFilter {
	return LogFilter{
		Group: f.Group.Combine(o.Group),
		Line:  f.Line.Combine(o.Line),
	}
}

// Allows reports whether an entry of the given kind and level passes.
func (f LogFilter) Allows(kind entry.EntryType, l entry.LogLevel) bool {
	if kind == entry.TypeOpenGroup || kind == entry.TypeCloseGroup {
		return f.Group.Allows(l)
	}
	return f.Line.Allows(l)
}

func (f LogFilter) String() string {
	switch f {
	case LogFilterUndefined:
		return "Undefined"
	case LogFilterDebug:
		return "Debug"
	case LogFilterVerbose:
		return "Verbose"
	case LogFilterMonitor:
		return "Monitor"
	case LogFilterTerse:
		return "Terse"
	case LogFilterRelease:
		return "Release"
	case LogFilterOff:
		return "Off"
	}
	return "{" + f.Group.String() + "," + f.Line.String() + "}"
}

// ParseLogFilter parses a named filter ("Debug", "Release") or a
// "{Group,Line}" tuple. A trailing '!' marks the filter as forced:
// it then applies even to entries already flagged as filtered.
func ParseLogFilter(s string) (f LogFilter, forced bool, err error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "!") {
		forced = true
		s = strings.TrimSuffix(s, "!")
	}
	switch strings.ToLower(s) {
	case "", "undefined":
		return LogFilterUndefined, forced, nil
	case "debug":
		return LogFilterDebug, forced, nil
	case "verbose":
		return LogFilterVerbose, forced, nil
	case "monitor":
		return LogFilterMonitor, forced, nil
	case "terse":
		return LogFilterTerse, forced, nil
	case "release":
		return LogFilterRelease, forced, nil
	case "off":
		return LogFilterOff, forced, nil
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		inner := s[1 : len(s)-1]
		parts := strings.Split(inner, ",")
		if len(parts) != 2 {
			return LogFilterUndefined, forced, fmt.Errorf("invalid log filter tuple %q", s)
		}
		g, err := ParseLogLevelFilter(parts[0])
		if err != nil {
			return LogFilterUndefined, forced, err
		}
		l, err := ParseLogLevelFilter(parts[1])
		if err != nil {
			return LogFilterUndefined, forced, err
		}
		return LogFilter{Group: g, Line: l}, forced, nil
	}
	return LogFilterUndefined, forced, fmt.Errorf("unknown log filter %q", s)
}
