package rescache

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func newTestCache(t *testing.T) (*Cache, *fakeclock.FakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	clk := fakeclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	return New(filepath.Join(dir, "cache"), clk), clk, dir
}

func writeStamped(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	assert.NilError(t, os.Chtimes(path, mtime, mtime))
}

func TestStoreLoadRoundTrip(t *testing.T) {
	c, _, dir := newTestCache(t)
	primary := filepath.Join(dir, "htdocs", "index.html")
	now := time.Unix(1_699_999_000, 0)
	writeStamped(t, primary, "<html/>", now)

	meta := &Meta{
		URI:     "/index.html",
		RtagStr: "alice GET https x.example /index.html",
		Path:    primary,
		Mtime:   Stamp(now),
		Deps:    map[string]int64{primary: Stamp(now)},
	}
	headers := http.Header{
		"Content-Type": {"text/html"},
		"Set-Cookie":   {"secret=1"},
	}
	assert.NilError(t, c.Store("rtag1", meta, []byte("<html/>"), headers))

	got, err := c.Load("rtag1")
	assert.NilError(t, err)
	assert.Assert(t, got != nil)
	assert.Check(t, is.Equal(got.URI, "/index.html"))
	assert.Check(t, is.Equal(got.Acount, int64(1)))
	// Set-Cookie never replays from the cache.
	_, hasCookie := got.Headers["Set-Cookie"]
	assert.Check(t, !hasCookie)

	body, err := os.ReadFile(c.BodyPath(got.Etag))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(body), "<html/>"))
}

func TestStoreSameEtagBumpsAccess(t *testing.T) {
	c, clk, dir := newTestCache(t)
	primary := filepath.Join(dir, "f.html")
	now := time.Unix(1_699_999_000, 0)
	writeStamped(t, primary, "x", now)

	meta := func() *Meta {
		return &Meta{URI: "/f.html", Path: primary, Mtime: Stamp(now), Deps: map[string]int64{}}
	}
	assert.NilError(t, c.Store("r", meta(), []byte("body"), http.Header{}))
	first, _ := c.Load("r")

	clk.Increment(10 * time.Second)
	assert.NilError(t, c.Store("r", meta(), []byte("body"), http.Header{}))
	second, _ := c.Load("r")

	assert.Check(t, is.Equal(first.Etag, second.Etag))
	assert.Check(t, is.Equal(second.Acount, int64(2)))
	assert.Check(t, is.Equal(second.Ctime, first.Ctime))
	assert.Check(t, second.Atime > first.Atime)
}

func TestStoreNewEtagPurgesOldBody(t *testing.T) {
	c, _, _ := newTestCache(t)
	m := &Meta{URI: "/x", Deps: map[string]int64{}}
	assert.NilError(t, c.Store("r", m, []byte("old"), http.Header{}))
	oldEtag := m.Etag

	m2 := &Meta{URI: "/x", Deps: map[string]int64{}}
	assert.NilError(t, c.Store("r", m2, []byte("new"), http.Header{}))

	_, err := os.Stat(c.BodyPath(oldEtag))
	assert.Check(t, os.IsNotExist(err))
	_, err = os.Stat(c.BodyPath(m2.Etag))
	assert.NilError(t, err)
}

func TestStorablePolicy(t *testing.T) {
	ok := http.Header{}
	assert.Check(t, Storable(http.MethodGet, true, ok))
	assert.Check(t, !Storable(http.MethodPost, true, ok))
	assert.Check(t, !Storable(http.MethodGet, false, ok))

	noStore := http.Header{"Cache-Control": {"no-store"}}
	assert.Check(t, !Storable(http.MethodGet, true, noStore))
	noCache := http.Header{"Cache-Control": {"public, no-cache"}}
	assert.Check(t, !Storable(http.MethodGet, true, noCache))
}

func TestValidatePrimaryTouched(t *testing.T) {
	c, _, dir := newTestCache(t)
	primary := filepath.Join(dir, "p.html")
	t0 := time.Unix(1_699_000_000, 0)
	writeStamped(t, primary, "v1", t0)

	m := &Meta{Path: primary, Mtime: Stamp(t0), Deps: map[string]int64{}, CfgMtime: 1}
	assert.Check(t, !c.Validate(m, time.Time{}).IsZero())

	writeStamped(t, primary, "v2", t0.Add(time.Second))
	assert.Check(t, c.Validate(m, time.Time{}).IsZero())
}

func TestValidateDepRules(t *testing.T) {
	c, _, dir := newTestCache(t)
	dep := filepath.Join(dir, "inc", "header.html")
	t0 := time.Unix(1_699_000_000, 0)
	writeStamped(t, dep, "hdr", t0)
	missing := filepath.Join(dir, "inc", "absent.html")

	m := &Meta{Deps: map[string]int64{
		dep:     Stamp(t0),
		missing: DepMissing,
	}}
	// Still-missing dep does not invalidate.
	got := c.Validate(m, time.Time{})
	assert.Check(t, is.DeepEqual(got, StampTime(Stamp(t0))))

	// Touching a recorded dep invalidates.
	writeStamped(t, dep, "hdr2", t0.Add(time.Second))
	assert.Check(t, c.Validate(m, time.Time{}).IsZero())

	// A previously missing dep coming into existence invalidates.
	writeStamped(t, dep, "hdr", t0)
	writeStamped(t, missing, "now here", t0)
	assert.Check(t, c.Validate(m, time.Time{}).IsZero())

	// A previously present dep going missing invalidates.
	assert.NilError(t, os.Remove(missing))
	assert.NilError(t, os.Remove(dep))
	assert.Check(t, c.Validate(m, time.Time{}).IsZero())
}

func TestValidateConfigMtime(t *testing.T) {
	c, _, _ := newTestCache(t)
	cfgAtCompile := time.Unix(1_699_000_000, 0)

	m := &Meta{Deps: map[string]int64{}, CfgMtime: Stamp(cfgAtCompile), Mtime: Stamp(cfgAtCompile)}
	assert.Check(t, !c.Validate(m, cfgAtCompile).IsZero())
	assert.Check(t, c.Validate(m, cfgAtCompile.Add(time.Second)).IsZero())

	// A meta without cfg_mtime is invalid as soon as config exists.
	bare := &Meta{Deps: map[string]int64{}, Mtime: Stamp(cfgAtCompile)}
	assert.Check(t, c.Validate(bare, cfgAtCompile).IsZero())
	assert.Check(t, !c.Validate(bare, time.Time{}).IsZero())
}

func TestValidateMaxAgeAndExpires(t *testing.T) {
	c, clk, _ := newTestCache(t)
	base := clk.Now()

	withCC := &Meta{
		Deps:    map[string]int64{},
		Mtime:   Stamp(base),
		Ctime:   base.Unix(),
		Headers: map[string][]string{"Cache-Control": {"max-age=60"}},
	}
	assert.Check(t, !c.Validate(withCC, time.Time{}).IsZero())
	clk.Increment(2 * time.Minute)
	assert.Check(t, c.Validate(withCC, time.Time{}).IsZero())

	// max-age overrides Expires: the stale Expires alone would invalidate,
	// but the unexpired max-age wins.
	both := &Meta{
		Deps:  map[string]int64{},
		Mtime: Stamp(base),
		Ctime: clk.Now().Unix(),
		Headers: map[string][]string{
			"Cache-Control": {"max-age=3600"},
			"Expires":       {base.Add(-time.Hour).UTC().Format(http.TimeFormat)},
		},
	}
	assert.Check(t, !c.Validate(both, time.Time{}).IsZero())

	expired := &Meta{
		Deps:    map[string]int64{},
		Mtime:   Stamp(base),
		Ctime:   clk.Now().Unix(),
		Headers: map[string][]string{"Expires": {base.Add(-time.Hour).UTC().Format(http.TimeFormat)}},
	}
	assert.Check(t, c.Validate(expired, time.Time{}).IsZero())
}

func TestPurge(t *testing.T) {
	c, _, _ := newTestCache(t)
	m := &Meta{URI: "/x", Deps: map[string]int64{}}
	assert.NilError(t, c.Store("r", m, []byte("b"), http.Header{}))
	c.Purge("r")

	got, err := c.Load("r")
	assert.NilError(t, err)
	assert.Check(t, got == nil)
	_, err = os.Stat(c.BodyPath(m.Etag))
	assert.Check(t, os.IsNotExist(err))
}
