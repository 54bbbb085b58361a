package session

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/stringid"
)

const tokenFile = "auth_tokens.json"

func (m *Manager) tokenPath() string {
	return filepath.Join(m.dir, tokenFile)
}

func (m *Manager) loadTokens() (map[string]string, error) {
	raw, err := os.ReadFile(m.tokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errdefs.System(errors.Wrap(err, "reading auth tokens"))
	}
	tokens := map[string]string{}
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, errdefs.System(errors.Wrap(err, "parsing auth tokens"))
	}
	return tokens, nil
}

func (m *Manager) saveTokens(tokens map[string]string) error {
	out, err := json.Marshal(tokens)
	if err != nil {
		return errdefs.System(err)
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return errdefs.System(err)
	}
	if err := atomicwriter.WriteFile(m.tokenPath(), out, 0o600); err != nil {
		return errdefs.System(errors.Wrap(err, "writing auth tokens"))
	}
	return nil
}

// Token returns the session's current auth token, minting one when the
// session has none. The first request after a logout lands here and
// regenerates the token, which is what invalidates replayed credentials.
func (m *Manager) Token(sid string) (string, error) {
	m.locks.Lock(tokenFile)
	defer m.locks.Unlock(tokenFile)
	tokens, err := m.loadTokens()
	if err != nil {
		return "", err
	}
	if tk, ok := tokens[sid]; ok {
		return tk, nil
	}
	tk := stringid.HexToken()
	tokens[sid] = tk
	if err := m.saveTokens(tokens); err != nil {
		return "", err
	}
	return tk, nil
}

// DropToken deletes the session's auth token.
func (m *Manager) DropToken(sid string) error {
	m.locks.Lock(tokenFile)
	defer m.locks.Unlock(tokenFile)
	tokens, err := m.loadTokens()
	if err != nil {
		return err
	}
	if _, ok := tokens[sid]; !ok {
		return nil
	}
	delete(tokens, sid)
	return m.saveTokens(tokens)
}
