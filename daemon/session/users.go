package session

import (
	"os"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/pkg/hashfile"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// User is the authenticated principal attached to a request.
type User struct {
	Name   string
	Groups []string
}

// InGroup reports whether the user belongs to group.
func (u *User) InGroup(group string) bool {
	if u == nil {
		return false
	}
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Users reads credentials from a hashfile keyed by username. Each entry is
// a mapping whose password key (configurable, handlers/auth/password_key)
// holds the stored h1 hash, with an optional groups list:
//
//	alice = {
//	  password = 5baa61e4...
//	  groups = [
//	    admins
//	  ]
//	}
type Users struct {
	path        string
	passwordKey string
}

// NewUsers creates a store over the given hashfile path.
func NewUsers(path, passwordKey string) *Users {
	if passwordKey == "" {
		passwordKey = "password"
	}
	return &Users{path: path, passwordKey: passwordKey}
}

// Lookup returns the stored password hash and group memberships of un.
func (u *Users) Lookup(un string) (string, []string, error) {
	if u == nil || u.path == "" {
		return "", nil, errdefs.AccessDenied(errors.New("no user store configured"))
	}
	raw, err := os.ReadFile(u.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, errdefs.AccessDenied(errors.New("no user store"))
		}
		return "", nil, errdefs.System(errors.Wrap(err, "reading users"))
	}
	m, err := hashfile.Unmarshal(raw)
	if err != nil {
		return "", nil, errdefs.System(errors.Wrap(err, "parsing users"))
	}
	entry, ok := m.Get(un)
	if !ok {
		return "", nil, errdefs.AccessDenied(errors.Errorf("unknown user %q", un))
	}
	rec, ok := entry.(*ordmap.Map)
	if !ok {
		return "", nil, errdefs.System(errors.Errorf("malformed user record %q", un))
	}
	pw, _ := rec.Get(u.passwordKey)
	h1, ok := hub.ScalarText(pw)
	if !ok || h1 == "" {
		return "", nil, errdefs.AccessDenied(errors.Errorf("user %q has no password", un))
	}
	var groups []string
	if g, ok := rec.Get("groups"); ok {
		if list, ok := g.(*ordmap.List); ok {
			list.Range(func(_ int, el interface{}) bool {
				if s, ok := hub.ScalarText(el); ok && s != "" {
					groups = append(groups, s)
				}
				return true
			})
		}
	}
	return h1, groups, nil
}
