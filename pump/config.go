package pump

import (
	"fmt"
	"time"

	"github.com/Purgator/CK-Monitoring/entry"
	"github.com/valyala/fastjson"
)

const (
	// DefaultTimerDuration is the period of handler OnTimer ticks.
	DefaultTimerDuration = 500 * time.Millisecond
	// DefaultGarbageInterval is the period of dead client sweeps.
	DefaultGarbageInterval = 5 * time.Minute
)

// TagFilter overrides the minimal filter for entries whose tags
// overlap Tags. When several tag filters match one entry the least
// restrictive wins. Forced filters also apply to entries already
// flagged as filtered.
type TagFilter struct {
	Tags   entry.Tags
	Filter LogFilter
	Forced bool
}

// Config is the dynamic configuration of a GrandOutput. Applying a
// Config reconciles the live handler set with Handlers (ordered,
// identity = configuration type).
type Config struct {
	// TimerDuration is the OnTimer period; zero means the 500 ms
	// default.
	TimerDuration time.Duration
	// Handlers is the ordered target handler set.
	Handlers []HandlerConfig
	// MinimalFilter is pushed to every bound monitor client. An
	// Undefined value retains the previously applied filter.
	MinimalFilter LogFilter
	// ExternalLogLevelFilter gates ExternalLog calls.
	ExternalLogLevelFilter LogLevelFilter
	// TagFilters are per-tag minimal filter overrides.
	TagFilters []TagFilter
}

// unknownHandlerConfig is the placeholder kept for JSON handler
// entries whose type is not registered or whose fields fail to decode.
// It has no factory, so applying it fails and is reported through the
// pump monitor as an unknown handler type, while the rest of the
// configuration applies.
type unknownHandlerConfig struct {
	TypeName string
}

var jsonParserPool fastjson.ParserPool

// ParseJSONConfig parses a dynamic configuration document:
//
//	{
//	  "TimerDuration": "500ms",
//	  "MinimalFilter": "Debug",
//	  "ExternalLogLevelFilter": "Info",
//	  "TagFilters": [["Sql", "Debug"], ["Machine", "Release!"]],
//	  "Handlers": [{"type": "BinaryFile", "path": "logs"}]
//	}
//
// Only a malformed document fails; handler entries of an unrecognized
// type, or whose fields fail to decode, are kept as placeholders and
// reported when the configuration is applied.
func ParseJSONConfig(data []byte) (*Config, error) {
	p := jsonParserPool.Get()
	defer jsonParserPool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration JSON: %w", err)
	}

	cfg := &Config{}

	if raw := v.GetStringBytes("TimerDuration"); len(raw) > 0 {
		d, err := time.ParseDuration(string(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid TimerDuration: %w", err)
		}
		cfg.TimerDuration = d
	}
	if raw := v.GetStringBytes("MinimalFilter"); len(raw) > 0 {
		f, _, err := ParseLogFilter(string(raw))
		if err != nil {
			return nil, err
		}
		cfg.MinimalFilter = f
	}
	if raw := v.GetStringBytes("ExternalLogLevelFilter"); len(raw) > 0 {
		f, err := ParseLogLevelFilter(string(raw))
		if err != nil {
			return nil, err
		}
		cfg.ExternalLogLevelFilter = f
	}
	for _, tf := range v.GetArray("TagFilters") {
		pair, err := tf.Array()
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("invalid tag filter entry: expected [tags, filter] pair")
		}
		tags, err := pair[0].StringBytes()
		if err != nil {
			return nil, fmt.Errorf("invalid tag filter tags: %w", err)
		}
		spec, err := pair[1].StringBytes()
		if err != nil {
			return nil, fmt.Errorf("invalid tag filter value: %w", err)
		}
		f, forced, err := ParseLogFilter(string(spec))
		if err != nil {
			return nil, err
		}
		cfg.TagFilters = append(cfg.TagFilters, TagFilter{
			Tags:   entry.NewTags(string(tags)),
			Filter: f,
			Forced: forced,
		})
	}
	for _, hv := range v.GetArray("Handlers") {
		typeName := string(hv.GetStringBytes("type"))
		if typeName == "" {
			return nil, fmt.Errorf("handler entry without \"type\" field")
		}
		hc, err := decodeHandlerConfig(typeName, hv)
		if err != nil {
			hc = unknownHandlerConfig{TypeName: typeName}
		}
		cfg.Handlers = append(cfg.Handlers, hc)
	}
	return cfg, nil
}

// resolveFilter computes the effective filter for an entry: the least
// restrictive matching tag filter when any tag matches, the minimal
// filter otherwise.
func resolveFilter(minimal LogFilter, tagFilters []TagFilter, tags entry.Tags, filtered bool) LogFilter {
	result := LogFilterUndefined
	matched := false
	for _, tf := range tagFilters {
		if filtered && !tf.Forced {
			continue
		}
		if tf.Tags.Overlaps(tags) {
			result = result.Combine(tf.Filter)
			matched = true
		}
	}
	if !matched {
		return minimal
	}
	return result
}
