package session

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/latticeweb/lattice/pkg/ordmap"
)

func compileTable(t *testing.T, entries ...string) *Table {
	t.Helper()
	m := ordmap.New()
	for i := 0; i < len(entries); i += 2 {
		m.Set(entries[i], entries[i+1])
	}
	table, err := CompilePermissions(m)
	assert.NilError(t, err)
	return table
}

func TestNoPatternMatchesAllows(t *testing.T) {
	table := compileTable(t, "^/admin/", "*=NONE")
	assert.Check(t, table.Allowed("/public/page", nil, "r"))
}

func TestGroupAllWithCatchallNone(t *testing.T) {
	// The literal deny-with-stop scenario: admins get everything under
	// /admin/, everyone else is shut out.
	table := compileTable(t, "^/admin/", "g:admins=ALL ; *=NONE")

	admin := &User{Name: "root", Groups: []string{"admins"}}
	guest := &User{Name: "visitor", Groups: []string{"guests"}}

	assert.Check(t, table.Allowed("/admin/home", admin, "rwx"))
	assert.Check(t, !table.Allowed("/admin/home", guest, "r"))
	assert.Check(t, !table.Allowed("/admin/home", nil, "r"))
}

func TestCatchallSkippedAfterNamedMatch(t *testing.T) {
	table := compileTable(t, "^/docs/", "u:bob=r ; *=NONE")

	bob := &User{Name: "bob"}
	// bob's named rule matched, so *=NONE must not fire even though bob
	// lacks write access.
	assert.Check(t, table.Allowed("/docs/x", bob, "r"))
	assert.Check(t, !table.Allowed("/docs/x", bob, "w"))
	assert.Check(t, !table.Allowed("/docs/x", &User{Name: "eve"}, "r"))
}

func TestUppercaseStops(t *testing.T) {
	// The uppercase rule terminates the search for whoever it matched;
	// the later catchall is never consulted for editors.
	table := compileTable(t,
		"^/data/", "g:editors=RW ; *=r",
		"^/", "*=ALL",
	)
	editor := &User{Name: "ed", Groups: []string{"editors"}}
	assert.Check(t, table.Allowed("/data/x", editor, "rw"))
	assert.Check(t, !table.Allowed("/data/x", editor, "x"))
	// The anonymous read grant is lowercase and provisional, so the
	// search continues and the later ALL overrides it.
	assert.Check(t, table.Allowed("/data/x", nil, "r"))
	assert.Check(t, table.Allowed("/data/x", nil, "w"))
}

func TestLowercaseRecordsAndContinues(t *testing.T) {
	// A lowercase decision is provisional; a later matching pattern can
	// override it.
	table := compileTable(t,
		"^/wiki/", "*=r",
		"^/wiki/private/", "g:staff=rw ; *=NONE",
	)
	staff := &User{Name: "s", Groups: []string{"staff"}}
	assert.Check(t, table.Allowed("/wiki/page", nil, "r"))
	assert.Check(t, !table.Allowed("/wiki/private/page", nil, "r"))
	assert.Check(t, table.Allowed("/wiki/private/page", staff, "rw"))
}

func TestModeLettersCaseInsensitiveRequest(t *testing.T) {
	table := compileTable(t, "^/x/", "*=rv")
	assert.Check(t, table.Allowed("/x/a", nil, "RV"))
	assert.Check(t, !table.Allowed("/x/a", nil, "rq"))
}

func TestCompileRejectsMalformedRules(t *testing.T) {
	for _, bad := range []string{"nomodes", "z:who=r", "*=rz"} {
		m := ordmap.New()
		m.Set("^/", bad)
		_, err := CompilePermissions(m)
		assert.Check(t, err != nil, bad)
	}
}

func TestMatchedPatternDefaultsToDeny(t *testing.T) {
	table := compileTable(t, "^/locked/", "u:alice=r")
	assert.Check(t, is.Equal(table.Allowed("/locked/a", &User{Name: "bob"}, "r"), false))
}
