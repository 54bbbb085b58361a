package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func TestOverlayLaterWins(t *testing.T) {
	dir := fs.NewDir(t, "conf",
		fs.WithFile("base.conf", "sys_tmp_dir = /tmp/a\nhandlers = {\n  auth = {\n    timeout = 1h\n  }\n}\n"),
		fs.WithFile("site.conf", "handlers = {\n  auth = {\n    timeout = 30m\n    login_page = /login.html\n  }\n}\n"),
	)
	defer dir.Remove()

	o, err := NewOverlay(dir.Join("base.conf"), dir.Join("site.conf"))
	assert.NilError(t, err)

	assert.Check(t, is.Equal(o.GetString("sys_tmp_dir", ""), "/tmp/a"))
	assert.Check(t, is.Equal(o.GetString("handlers/auth/timeout", ""), "30m"))
	assert.Check(t, is.Equal(o.GetString("handlers/auth/login_page", ""), "/login.html"))
}

func TestOverlayMissingSourceTolerated(t *testing.T) {
	dir := fs.NewDir(t, "conf", fs.WithFile("base.conf", "a = 1\n"))
	defer dir.Remove()

	o, err := NewOverlay(dir.Join("base.conf"), dir.Join("absent.conf"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(o.GetInt("a", 0), 1))

	// The missing source appearing later is picked up by Refresh.
	assert.NilError(t, os.WriteFile(dir.Join("absent.conf"), []byte("a = 2\n"), 0o644))
	changed, err := o.Refresh()
	assert.NilError(t, err)
	assert.Check(t, changed)
	assert.Check(t, is.Equal(o.GetInt("a", 0), 2))
}

func TestRefreshDetectsChange(t *testing.T) {
	dir := fs.NewDir(t, "conf", fs.WithFile("base.conf", "k = old\n"))
	defer dir.Remove()

	o, err := NewOverlay(dir.Join("base.conf"))
	assert.NilError(t, err)
	first := o.Mtime()

	changed, err := o.Refresh()
	assert.NilError(t, err)
	assert.Check(t, !changed)

	assert.NilError(t, os.WriteFile(dir.Join("base.conf"), []byte("k = new\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	assert.NilError(t, os.Chtimes(dir.Join("base.conf"), future, future))

	changed, err = o.Refresh()
	assert.NilError(t, err)
	assert.Check(t, changed)
	assert.Check(t, is.Equal(o.GetString("k", ""), "new"))
	assert.Check(t, o.Mtime().After(first))
}

func TestWriteValueRoutesToOwningSource(t *testing.T) {
	dir := fs.NewDir(t, "conf",
		fs.WithFile("base.conf", "shared = {\n  owned_by_base = yes\n}\n"),
		fs.WithFile("site.conf", "site_only = yes\n"),
	)
	defer dir.Remove()

	o, err := NewOverlay(dir.Join("base.conf"), dir.Join("site.conf"))
	assert.NilError(t, err)

	// Existing key writes to the source that holds it.
	assert.NilError(t, o.WriteValue("shared/owned_by_base", "no"))
	raw, err := os.ReadFile(dir.Join("base.conf"))
	assert.NilError(t, err)
	assert.Check(t, is.Contains(string(raw), "owned_by_base = no"))

	// Unknown key writes to the last source.
	assert.NilError(t, o.WriteValue("brand/new", "v"))
	raw, err = os.ReadFile(dir.Join("site.conf"))
	assert.NilError(t, err)
	assert.Check(t, is.Contains(string(raw), "brand"))
	assert.Check(t, is.Equal(o.GetString("brand/new", ""), "v"))
}

func TestParseLifetime(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"15m", 15 * time.Minute},
		{"2h", 2 * time.Hour},
		{"7D", 7 * 24 * time.Hour},
		{"1M", 30 * 24 * time.Hour},
		{"1Y", 365 * 24 * time.Hour},
	} {
		got, err := ParseLifetime(tc.in)
		assert.NilError(t, err)
		assert.Check(t, is.Equal(got, tc.want), tc.in)
	}
	for _, bad := range []string{"", "12", "h", "5w", "-3s"} {
		_, err := ParseLifetime(bad)
		assert.Check(t, err != nil, bad)
	}
}

func TestSetupVersionNumeric(t *testing.T) {
	dir := fs.NewDir(t, "conf", fs.WithFile("svc.conf", "lsn-setup-version = 7\n"))
	defer dir.Remove()
	o, err := NewOverlay(dir.Join("svc.conf"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(o.SetupVersion(), 7))

	assert.NilError(t, os.WriteFile(dir.Join("svc.conf"), []byte("lsn-setup-version = seven\n"), 0o644))
	future := time.Now().Add(2 * time.Second)
	assert.NilError(t, os.Chtimes(dir.Join("svc.conf"), future, future))
	_, err = o.Refresh()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(o.SetupVersion(), 0))
}

func TestGetSizeAndList(t *testing.T) {
	dir := fs.NewDir(t, "conf", fs.WithFile("c.conf",
		"max = 10MB\nignore = [\n  \\.css$\n  \\.js$\n]\nsingle = one\n"))
	defer dir.Remove()
	o, err := NewOverlay(dir.Join("c.conf"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(o.GetSize("max", 0), int64(10*1024*1024)))
	assert.Check(t, is.DeepEqual(o.GetList("ignore"), []string{`\.css$`, `\.js$`}))
	assert.Check(t, is.DeepEqual(o.GetList("single"), []string{"one"}))
}

func TestDaemonConfigValidate(t *testing.T) {
	d := NewDaemon()
	assert.Check(t, d.Validate() != nil)

	d.Vhosts = []Vhost{{Hostname: "x.example", DocRoot: filepath.Join("/var", "www", "x")}}
	assert.NilError(t, d.Validate())

	d.Vhosts = append(d.Vhosts, Vhost{Hostname: "y.example"})
	assert.Check(t, d.Validate() != nil)
}
