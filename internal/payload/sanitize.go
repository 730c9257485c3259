package payload

import (
	"regexp"
	"strings"
	"time"
)

var (
	functionSource = regexp.MustCompile(`^\s*(async\s+)?function\b[^(]*\([^)]*\)\s*\{`)
	arrowSource    = regexp.MustCompile(`^\s*(async\s*)?(\([^)]*\)|[A-Za-z_$][\w$]*)\s*=>`)
	dateLike       = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2}(\.\d{1,9})?)?(Z|[+-]\d{2}:?\d{2})?)?$`)
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isFunctionSource reports strings that are JavaScript function bodies.
func isFunctionSource(s string) bool {
	if len(s) < 4 || !strings.Contains(s, "(") && !strings.Contains(s, "=>") {
		return false
	}
	return functionSource.MatchString(s) || arrowSource.MatchString(s)
}

// coerceDate rewrites date-like strings to RFC 3339 in UTC. Strings
// without a zone are taken as UTC.
func coerceDate(s string) (string, bool) {
	if len(s) < 10 || len(s) > 40 || !dateLike.MatchString(s) {
		return s, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return formatTime(t), true
		}
	}
	return s, false
}

// Sanitize returns a copy of v that is safe to store: function sources
// are removed (dropped from objects, nulled in arrays), date strings are
// normalised and lim is reapplied.
func Sanitize(v Value, lim Limits) Value {
	lim = lim.withDefaults()
	out, ok := sanitize(v, lim, 1)
	if !ok {
		return Null{}
	}
	return out
}

func sanitize(v Value, lim Limits, depth int) (Value, bool) {
	switch v := v.(type) {
	case nil:
		return Null{}, true
	case String:
		s := string(v)
		if isFunctionSource(s) {
			return nil, false
		}
		if d, ok := coerceDate(s); ok {
			return String(d), true
		}
		return String(truncate(s, lim.MaxStringBytes)), true
	case Array:
		if depth > lim.MaxDepth {
			return String(Truncated), true
		}
		out := make(Array, 0, min(len(v), lim.MaxArrayLen))
		for _, e := range v {
			if len(out) >= lim.MaxArrayLen {
				break
			}
			s, ok := sanitize(e, lim, depth+1)
			if !ok {
				s = Null{}
			}
			out = append(out, s)
		}
		return out, true
	case Object:
		if depth > lim.MaxDepth {
			return String(Truncated), true
		}
		out := make(Object, 0, min(len(v), lim.MaxKeys))
		for _, m := range v {
			if len(out) >= lim.MaxKeys {
				break
			}
			s, ok := sanitize(m.Value, lim, depth+1)
			if !ok {
				continue
			}
			out = append(out, Member{Key: truncate(m.Key, lim.MaxStringBytes), Value: s})
		}
		return out, true
	}
	return v, true
}
