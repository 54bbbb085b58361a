package config

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// GetString returns the scalar at keypath rendered as text, or def.
func (o *Overlay) GetString(keypath, def string) string {
	v, ok := o.Get(keypath)
	if !ok {
		return def
	}
	s, ok := hub.ScalarText(v)
	if !ok {
		return def
	}
	return s
}

// GetBool returns the value at keypath as a boolean. "", "0", "no",
// "false" and "none" are false; any other present scalar is true.
func (o *Overlay) GetBool(keypath string) bool {
	s := strings.ToLower(strings.TrimSpace(o.GetString(keypath, "")))
	return !(s == "" || s == "0" || s == "no" || s == "false" || s == "none")
}

// GetInt returns the value at keypath as an integer, or def.
func (o *Overlay) GetInt(keypath string, def int) int {
	s := o.GetString(keypath, "")
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// GetSize returns the value at keypath as a byte count. Values accept
// human-readable suffixes ("10MB", "1g").
func (o *Overlay) GetSize(keypath string, def int64) int64 {
	s := strings.TrimSpace(o.GetString(keypath, ""))
	if s == "" {
		return def
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return def
	}
	return n
}

var lifetimeRE = regexp.MustCompile(`^(\d+)([smhDMY])$`)

// ParseLifetime parses a duration of the form {digits}{s|m|h|D|M|Y}.
// Months count as 30 days and years as 365.
func ParseLifetime(s string) (time.Duration, error) {
	m := lifetimeRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, errdefs.InvalidParameter(errors.Errorf("bad lifetime %q", s))
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errdefs.InvalidParameter(errors.Errorf("bad lifetime %q", s))
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "D":
		unit = 24 * time.Hour
	case "M":
		unit = 30 * 24 * time.Hour
	case "Y":
		unit = 365 * 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}

// GetLifetime returns the value at keypath parsed as a lifetime, or def.
func (o *Overlay) GetLifetime(keypath string, def time.Duration) time.Duration {
	s := o.GetString(keypath, "")
	if s == "" {
		return def
	}
	d, err := ParseLifetime(s)
	if err != nil {
		return def
	}
	return d
}

// GetList returns the value at keypath as a slice of strings. A scalar
// yields a one-element slice, a list its scalar elements in order.
func (o *Overlay) GetList(keypath string) []string {
	v, ok := o.Get(keypath)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case *ordmap.List:
		var out []string
		t.Range(func(_ int, el interface{}) bool {
			if s, ok := hub.ScalarText(el); ok {
				out = append(out, s)
			}
			return true
		})
		return out
	default:
		if s, ok := hub.ScalarText(v); ok && s != "" {
			return []string{s}
		}
	}
	return nil
}

// GetMap returns the mapping at keypath, or nil.
func (o *Overlay) GetMap(keypath string) *ordmap.Map {
	v, ok := o.Get(keypath)
	if !ok {
		return nil
	}
	m, _ := v.(*ordmap.Map)
	return m
}
