package hub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/hashfile"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

const itemsHF = `title = Example
items = [
  alpha
  beta
  gamma
]
members = {
  alice = {
    role = admin
    age = 34
  }
  bob = {
    role = user
    age = 28
  }
}
`

func testDocroot(t *testing.T) *fs.Dir {
	t.Helper()
	return fs.NewDir(t, "lattice-hub",
		fs.WithFile("index.html", "<html><body>home</body></html>\n"),
		fs.WithFile(".hidden", "secret"),
		fs.WithDir("data",
			fs.WithFile("items.hf", itemsHF),
			fs.WithFile("points.json", `{"a": [1, 2, 3], "b": {"c": "deep"}}`),
		),
	)
}

func newTestHub(t *testing.T) (*Hub, *fs.Dir) {
	t.Helper()
	dir := testDocroot(t)
	h, err := New(dir.Path())
	assert.NilError(t, err)
	return h, dir
}

func TestResolveStorage(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	root, err := s.Get("/")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(root.Tag(), TagDirectory))
	assert.Check(t, is.DeepEqual(root.Keys(), []string{"data", "index.html"}))

	n, err := s.Get("/index.html")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n.Tag(), TagFileText))
	assert.Check(t, is.Equal(n.Storage().Addr(), "/index.html"))
	assert.Check(t, !n.Mtime().IsZero())

	hf, err := s.Get("/data/items.hf")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(hf.Tag(), TagFileHash))
	assert.Check(t, is.Equal(hf.Len(), 3))
}

func TestResolveData(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	title, err := s.Get("/data/items.hf/title")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(title.Value(), interface{}("Example")))
	assert.Check(t, is.Equal(title.Tag(), TagDataScalar))
	assert.Check(t, is.Equal(title.Storage().Addr(), "/data/items.hf"))

	second, err := s.Get("/data/items.hf/items/1")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(second.Value(), interface{}("beta")))

	role, err := s.Get("/data/items.hf/members/alice/role")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(role.Value(), interface{}("admin")))

	deep, err := s.Get("/data/points.json/b/c")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(deep.Value(), interface{}("deep")))

	num, err := s.Get("/data/points.json/a/0")
	assert.NilError(t, err)
	text, ok := ScalarText(num.Value())
	assert.Check(t, ok)
	assert.Check(t, is.Equal(text, "1"))

	_, err = s.Get("/data/items.hf/nope")
	assert.Check(t, errdefs.IsNotFound(err))
	_, err = s.Get("/nope.html")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestHiddenEntries(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	_, err := s.Get("/.hidden")
	assert.Check(t, errdefs.IsForbidden(err))

	root, err := s.Get("/")
	assert.NilError(t, err)
	for _, name := range root.Keys() {
		assert.Check(t, name[0] != '.')
	}
}

func TestMounts(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	vendor := fs.NewDir(t, "lattice-vendor",
		fs.WithFile("lib.txt", "shared\n"),
		fs.WithDir("sub", fs.WithFile("x.txt", "nested\n")),
	)
	defer vendor.Remove()

	assert.NilError(t, h.Mount("/vendor", vendor.Path()))
	assert.Check(t, h.IsMountPoint("/vendor"))
	assert.Check(t, !h.IsMountPoint("/vendorx"))

	s := NewScope(h)
	n, err := s.Get("/vendor/lib.txt")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n.Tag(), TagFileText))

	mp, err := s.Get("/vendor")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(h.Typeof(mp), TagDirectory+mountSuffix))

	// A longer mount shadows the shorter one.
	deeper := fs.NewDir(t, "lattice-deeper", fs.WithFile("x.txt", "override\n"))
	defer deeper.Remove()
	assert.NilError(t, h.Mount("/vendor/sub", deeper.Path()))
	over, err := s.Get("/vendor/sub/x.txt")
	assert.NilError(t, err)
	raw, err := over.Value().(*File).Raw()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(raw), "override\n"))

	err = h.Mount("/sys/anything", vendor.Path())
	assert.Check(t, errdefs.IsInvalidParameter(err))
	err = h.Mount("/vendor", vendor.Path())
	assert.Check(t, errdefs.IsConflict(err))

	mounts := h.Mounts()
	assert.Check(t, is.Len(mounts, 2))
	assert.Check(t, is.Equal(mounts[0].Addr, "/vendor"))

	assert.NilError(t, h.Umount("/vendor/sub"))
	assert.Check(t, errdefs.IsNotFound(h.Umount("/vendor/sub")))
	back, err := s.Get("/vendor/sub/x.txt")
	assert.NilError(t, err)
	raw, err = back.Value().(*File).Raw()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(raw), "nested\n"))
}

func TestQuerySegments(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	first, err := s.Get("/data/items.hf/items/{:first}")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(first.Value(), interface{}("alpha")))
	assert.Check(t, is.Equal(first.Addr(), "/data/items.hf/items/0"))

	last, err := s.Get("/data/items.hf/items/{:last}")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(last.Value(), interface{}("gamma")))

	admins, err := s.Get("/data/items.hf/members/{?role=admin}")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(admins.Keys(), []string{"alice"}))

	older, err := s.Get("/data/items.hf/members/{?age>30}/{:first}/age")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(older.Value(), interface{}("34")))

	bees, err := s.Get("/data/items.hf/members/{-?^b}")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(bees.Keys(), []string{"bob"}))

	regex, err := s.Get("/data/items.hf/members/{?role=~^adm}")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(regex.Keys(), []string{"alice"}))

	piped, err := s.Get("/data/items.hf/items/missing|{:first}")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(piped.Value(), interface{}("alpha")))

	_, err = s.Get("/data/items.hf/title/{:first}")
	assert.Check(t, err != nil)
}

func TestSetAndSave(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	addr, err := s.Set("/data/items.hf/title", "Renamed")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(addr, "/data/items.hf/title"))

	st, err := s.FindStorage("/data/items.hf")
	assert.NilError(t, err)
	assert.NilError(t, s.Save(st))

	raw, err := os.ReadFile(filepath.Join(dir.Path(), "data", "items.hf"))
	assert.NilError(t, err)
	m, err := hashfile.Unmarshal(raw)
	assert.NilError(t, err)
	v, _ := m.Get("title")
	assert.Check(t, is.Equal(v, interface{}("Renamed")))
	assert.Check(t, is.DeepEqual(m.Keys(), []string{"title", "items", "members"}))
}

func TestSaveUnmodifiedIsByteIdentical(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	before, err := os.ReadFile(filepath.Join(dir.Path(), "data", "items.hf"))
	assert.NilError(t, err)

	_, err = s.Get("/data/items.hf/title")
	assert.NilError(t, err)
	st, err := s.FindStorage("/data/items.hf")
	assert.NilError(t, err)
	assert.NilError(t, s.Save(st))

	after, err := os.ReadFile(filepath.Join(dir.Path(), "data", "items.hf"))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(before, after))
}

func TestSetNextAppends(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	addr, err := s.Set("/data/items.hf/items/<next>", "delta")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(addr, "/data/items.hf/items/3"))

	n, err := s.Get("/data/items.hf/items")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n.Len(), 4))

	_, err = s.Set("/data/items.hf/members/<next>", "x")
	assert.Check(t, errdefs.IsInvalidParameter(err))
	_, err = s.Set("/data/items.hf/members/{:first}/x", "y")
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestDelete(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	assert.NilError(t, s.Delete("/data/items.hf/items/0"))
	n, err := s.Get("/data/items.hf/items/0")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n.Value(), interface{}("beta")))

	assert.NilError(t, s.Delete("/data/items.hf/members/bob"))
	members, err := s.Get("/data/items.hf/members")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(members.Keys(), []string{"alice"}))

	assert.Check(t, errdefs.IsNotFound(s.Delete("/data/items.hf/members/bob")))
	assert.Check(t, errdefs.IsInvalidParameter(s.Delete("/")))

	assert.NilError(t, s.Delete("/index.html"))
	_, err = s.Get("/index.html")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestVivify(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	n, err := s.Vivify("/made/up/deep", TagDirectory)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n.Tag(), TagDirectory))
	fi, err := os.Stat(filepath.Join(dir.Path(), "made", "up", "deep"))
	assert.NilError(t, err)
	assert.Check(t, fi.IsDir())

	leaf, err := s.Vivify("/data/items.hf/extra/deep", TagDataScalar)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(leaf.Value(), interface{}("")))
	extra, err := s.Get("/data/items.hf/extra")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(extra.Tag(), TagDataHash))

	// Vivify of an existing node returns it untouched.
	again, err := s.Vivify("/data/items.hf/title", TagDataScalar)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(again.Value(), interface{}("Example")))
}

func TestSysTree(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	assert.NilError(t, s.SetSys("/sys/request/method", "GET"))
	assert.NilError(t, s.SetSys("/sys/request/uri", "/index.html"))

	n, err := s.Get("/sys/request/method")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n.Value(), interface{}("GET")))
	assert.Check(t, is.Nil(n.Storage()))
	assert.Check(t, n.Mtime().IsZero())

	req, err := s.Get("/sys/request")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(req.Keys(), []string{"method", "uri"}))

	_, err = s.FindStorage("/sys/request")
	assert.Check(t, errdefs.IsNotFound(err))

	// Scopes do not share /sys.
	other := NewScope(h)
	_, err = other.Get("/sys/request/method")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestRegisteredCode(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()

	err := h.RegisterCode("/fn/echo", func(_ context.Context, params *ordmap.Map) (interface{}, error) {
		v, _ := params.Get("value")
		return v, nil
	})
	assert.NilError(t, err)
	assert.Check(t, errdefs.IsConflict(h.RegisterCode("/fn/echo", nil)))

	s := NewScope(h)
	n, err := s.Get("/fn/echo")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n.Tag(), TagCode))

	fn := n.Value().(CodeFunc)
	params := ordmap.New()
	params.Set("value", "pong")
	out, err := fn(context.Background(), params)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(out, interface{}("pong")))
}

func TestAccessLog(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	var seen []string
	s.OnAccess(func(ent AccessEntry) {
		seen = append(seen, ent.Path)
	})

	_, err := s.Get("/data/items.hf/members/alice/role")
	assert.NilError(t, err)

	itemsPath := filepath.Join(dir.Path(), "data", "items.hf")
	log := s.AccessLog()
	var found bool
	for _, ent := range log {
		if ent.Path == itemsPath {
			found = true
			assert.Check(t, !ent.Mtime.IsZero())
		}
	}
	assert.Check(t, found, "items.hf missing from access log: %v", log)
	assert.Check(t, is.Contains(seen, itemsPath))
}

func TestChangeLog(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	var ops []string
	s.OnChange(func(ev ChangeEvent) {
		ops = append(ops, ev.Op)
	})

	_, err := s.Set("/data/items.hf/title", "Changed")
	assert.NilError(t, err)
	st, err := s.FindStorage("/data/items.hf")
	assert.NilError(t, err)
	assert.NilError(t, s.Save(st))

	assert.Check(t, is.DeepEqual(ops, []string{OpSave}))
	log := s.ChangeLog()
	assert.Check(t, is.Len(log, 1))
	assert.Check(t, is.Equal(log[0].Addr, "/data/items.hf"))
}

func TestExpireRereadsStorage(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	n, err := s.Get("/index.html")
	assert.NilError(t, err)
	raw, err := n.Value().(*File).Raw()
	assert.NilError(t, err)
	assert.Check(t, is.Contains(string(raw), "home"))

	path := filepath.Join(dir.Path(), "index.html")
	assert.NilError(t, os.WriteFile(path, []byte("<html>new</html>"), 0o644))
	// Force an mtime the stat cache cannot confuse with the original.
	assert.NilError(t, os.Chtimes(path, time.Now().Add(2*time.Second), time.Now().Add(2*time.Second)))

	h.Expire()
	n2, err := s.Get("/index.html")
	assert.NilError(t, err)
	raw2, err := n2.Value().(*File).Raw()
	assert.NilError(t, err)
	assert.Check(t, is.Contains(string(raw2), "new"))
}

func TestFindStorageOfFileIsItself(t *testing.T) {
	h, dir := newTestHub(t)
	defer dir.Remove()
	s := NewScope(h)

	n, err := s.Get("/data/items.hf")
	assert.NilError(t, err)
	st, err := s.FindStorage("/data/items.hf")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(st.Addr(), n.Addr()))
}
