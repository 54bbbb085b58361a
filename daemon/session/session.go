// Package session implements the stateless-cookie session engine: session
// identifiers bound to derived cookie keys, rotating per-session auth
// tokens, hash-chained credential validation and the permission rule
// evaluator.
//
// All persistent state lives under the vhost's sys_tmp_dir:
//
//	sessions/<sid>/        per-session directory
//	credentials/<v>.json   credential records
//	auth_tokens.json       SID -> hex token
package session

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/clock"
	"github.com/moby/locker"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/stringid"
)

// Per-session files.
const (
	tmpCookieKeyFile  = "tmp_cookie_key"
	authCookieKeyFile = "auth_cookie_key"
)

// Manager owns the session state of one vhost.
type Manager struct {
	dir   string
	clock clock.Clock
	locks *locker.Locker
	users *Users
}

// NewManager creates a manager rooted at the vhost's sys_tmp_dir.
func NewManager(tmpDir string, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Manager{
		dir:   tmpDir,
		clock: clk,
		locks: locker.New(),
	}
}

// SetUsers installs the credential store. Called at config (re)load.
func (m *Manager) SetUsers(u *Users) { m.users = u }

// CookieKeyParts are the request properties a session cookie key is
// derived from. Two requests agree on a key exactly when these agree.
type CookieKeyParts struct {
	Scheme          string
	Hostname        string
	ForwardedFor    []string
	RefererHostname string
	ShareSchemes    bool
}

// CookieKey derives the session cookie name. The scheme is omitted when
// schemes are shared, and the referer hostname only participates when it
// differs from the served hostname.
func CookieKey(p CookieKeyParts) string {
	var parts []string
	if !p.ShareSchemes {
		parts = append(parts, p.Scheme)
	}
	parts = append(parts, p.Hostname)
	parts = append(parts, p.ForwardedFor...)
	if p.RefererHostname != "" && p.RefererHostname != p.Hostname {
		parts = append(parts, p.RefererHostname)
	}
	sum := sha1.Sum([]byte(strings.Join(parts, ";")))
	return "v01" + hex.EncodeToString(sum[:])
}

// EnsureSID validates a client-provided session id, replacing empty or
// malformed ones with a fresh identifier. It reports whether a new id was
// issued.
func (m *Manager) EnsureSID(raw string) (string, bool) {
	if stringid.IsValidSID(raw) {
		return raw, false
	}
	return stringid.GenerateSID(), true
}

func (m *Manager) sessionDir(sid string) string {
	return filepath.Join(m.dir, "sessions", sid)
}

// withSession serializes fn against other writers of the same session
// directory. Concurrent same-SID requests are permitted; only the file
// operations are fenced.
func (m *Manager) withSession(sid string, fn func(dir string) error) error {
	m.locks.Lock(sid)
	defer m.locks.Unlock(sid)
	return fn(m.sessionDir(sid))
}

// readSessionFile returns the named per-session file's content, or "" when
// the session or file does not exist. Readers tolerate missing fields.
func (m *Manager) readSessionFile(sid, name string) string {
	raw, err := os.ReadFile(filepath.Join(m.sessionDir(sid), name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (m *Manager) writeSessionFile(sid, name, value string) error {
	return m.withSession(sid, func(dir string) error {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errdefs.System(errors.Wrap(err, "session dir"))
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0o600); err != nil {
			return errdefs.System(errors.Wrapf(err, "writing session %s", name))
		}
		return nil
	})
}

// DropSession removes the per-session directory.
func (m *Manager) DropSession(sid string) error {
	return m.withSession(sid, func(dir string) error {
		if err := os.RemoveAll(dir); err != nil {
			return errdefs.System(errors.Wrap(err, "removing session"))
		}
		return nil
	})
}

func sha1hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
