package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/stringid"
)

// credential is one stored login, keyed on disk by the cookie value v.
type credential struct {
	Username string `json:"un"`
	H2       string `json:"h2"`
	SID      string `json:"SID"`
	Mtime    int64  `json:"mtime"`
}

func (m *Manager) credentialPath(v string) string {
	return filepath.Join(m.dir, "credentials", v+".json")
}

func (m *Manager) loadCredential(v string) (*credential, error) {
	raw, err := os.ReadFile(m.credentialPath(v))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.AccessDenied(errors.New("unknown credential"))
		}
		return nil, errdefs.System(errors.Wrap(err, "reading credential"))
	}
	var c credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errdefs.System(errors.Wrap(err, "parsing credential"))
	}
	return &c, nil
}

func (m *Manager) saveCredential(v string, c *credential) error {
	out, err := json.Marshal(c)
	if err != nil {
		return errdefs.System(err)
	}
	if err := os.MkdirAll(filepath.Join(m.dir, "credentials"), 0o700); err != nil {
		return errdefs.System(err)
	}
	if err := atomicwriter.WriteFile(m.credentialPath(v), out, 0o600); err != nil {
		return errdefs.System(errors.Wrap(err, "writing credential"))
	}
	return nil
}

// Login validates the hash-chained login post: the client sends un and
// h2 = sha1(h1 + ":" + tk), where h1 = sha1(password) and tk is the
// session's current auth token. On success a fresh cookie pair (k, v) is
// allocated; v keys the credential record, k is remembered in the session
// directory and returned so the caller can set the k=v response cookie.
func (m *Manager) Login(sid, un, h2 string) (cookieName, cookieValue string, _ error) {
	h1, _, err := m.users.Lookup(un)
	if err != nil {
		return "", "", err
	}
	tk, err := m.Token(sid)
	if err != nil {
		return "", "", err
	}
	if h2 == "" || h2 != sha1hex(h1+":"+tk) {
		return "", "", errdefs.AccessDenied(errors.New("credentials did not validate"))
	}
	k := "a" + stringid.HexToken()
	v := stringid.HexToken()
	if err := m.saveCredential(v, &credential{
		Username: un,
		H2:       h2,
		SID:      sid,
		Mtime:    m.clock.Now().Unix(),
	}); err != nil {
		return "", "", err
	}
	if err := m.writeSessionFile(sid, authCookieKeyFile, k); err != nil {
		return "", "", err
	}
	return k, v, nil
}

// AuthCookieName returns the credential-linking cookie name recorded in
// the session directory, or "" when the session never logged in.
func (m *Manager) AuthCookieName(sid string) string {
	return m.readSessionFile(sid, authCookieKeyFile)
}

// Authenticate checks the credential cookie against the stored record and
// returns the authenticated principal. Expired logins are torn down and
// reported as access denied; success rolls the record's mtime forward.
func (m *Manager) Authenticate(sid, cookieValue string, timeout time.Duration) (*User, error) {
	if cookieValue == "" {
		return nil, errdefs.AccessDenied(errors.New("not logged in"))
	}
	c, err := m.loadCredential(cookieValue)
	if err != nil {
		return nil, err
	}
	if c.SID != sid {
		return nil, errdefs.AccessDenied(errors.New("credential belongs to another session"))
	}
	now := m.clock.Now()
	if timeout > 0 && now.Sub(time.Unix(c.Mtime, 0)) > timeout {
		_ = m.Logout(sid, cookieValue)
		return nil, errdefs.AccessDenied(errors.New("login expired"))
	}
	h1, groups, err := m.users.Lookup(c.Username)
	if err != nil {
		return nil, err
	}
	tk, err := m.Token(sid)
	if err != nil {
		return nil, err
	}
	if c.H2 != sha1hex(h1+":"+tk) {
		return nil, errdefs.AccessDenied(errors.New("credentials did not validate"))
	}
	c.Mtime = now.Unix()
	if err := m.saveCredential(cookieValue, c); err != nil {
		return nil, err
	}
	return &User{Name: c.Username, Groups: groups}, nil
}

// Logout deletes the credential record and the session's auth token, so
// the next request mints a fresh token and any replayed h2 stops
// validating.
func (m *Manager) Logout(sid, cookieValue string) error {
	if cookieValue != "" {
		if err := os.Remove(m.credentialPath(cookieValue)); err != nil && !os.IsNotExist(err) {
			return errdefs.System(errors.Wrap(err, "removing credential"))
		}
	}
	_ = m.withSession(sid, func(dir string) error {
		return os.Remove(filepath.Join(dir, authCookieKeyFile))
	})
	return m.DropToken(sid)
}
