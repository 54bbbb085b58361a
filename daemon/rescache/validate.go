package rescache

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Stamp converts a file time to the integer form stored in meta records.
// Nanosecond precision is kept so a touch within the same second still
// invalidates.
func Stamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// StampTime is the inverse of Stamp.
func StampTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Validate checks whether the cached response is still current. It
// returns the newest of all source mtimes when valid, and the zero time
// when any input changed: the primary file, any recorded dependency, the
// config aggregate mtime, or a header-declared freshness bound.
func (c *Cache) Validate(m *Meta, cfgMtime time.Time) time.Time {
	if m == nil {
		return time.Time{}
	}
	newest := StampTime(m.Mtime)

	if m.Path != "" {
		fi, err := os.Stat(m.Path)
		if err != nil || Stamp(fi.ModTime()) > m.Mtime {
			return time.Time{}
		}
	}

	for path, recorded := range m.Deps {
		fi, err := os.Stat(path)
		if recorded == DepMissing {
			// valid only while the dep keeps not existing
			if err == nil {
				return time.Time{}
			}
			continue
		}
		if err != nil {
			return time.Time{}
		}
		cur := Stamp(fi.ModTime())
		if cur > recorded {
			return time.Time{}
		}
		if t := StampTime(recorded); t.After(newest) {
			newest = t
		}
	}

	if !cfgMtime.IsZero() {
		if m.CfgMtime == 0 || Stamp(cfgMtime) > m.CfgMtime {
			return time.Time{}
		}
	}

	now := c.clock.Now()
	headers := http.Header(m.Headers)
	if maxAge, ok := maxAgeOf(headers.Get("Cache-Control")); ok {
		if now.Sub(time.Unix(m.Ctime, 0)) > maxAge {
			return time.Time{}
		}
	} else if expires := headers.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil && now.After(t) {
			return time.Time{}
		}
	}

	if newest.IsZero() {
		newest = time.Unix(m.Ctime, 0)
	}
	return newest
}

// maxAgeOf extracts a max-age or s-max-age directive from a Cache-Control
// value.
func maxAgeOf(cc string) (time.Duration, bool) {
	for _, part := range strings.Split(cc, ",") {
		name, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "max-age", "s-max-age", "s-maxage":
			n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				continue
			}
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}
