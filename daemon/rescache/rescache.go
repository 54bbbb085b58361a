// Package rescache implements the dependency-tracked response cache: a
// request-fingerprint keyed store of response bodies and metadata, with an
// mtime-based validator over every filesystem path the compile touched.
//
// Layout under the vhost's tmp/response/cache:
//
//	requests/<rtag>/meta.json
//	responses/<etag>
//
// Both artifacts are written through atomic renames so concurrent readers
// never observe a partial file. Duplicate concurrent compiles are legal
// and last-writer-wins; the per-rtag lock keeps them rare in-process.
package rescache

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/clock"
	"github.com/moby/locker"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
)

// Version is the cache format version. Metas with another version are
// treated as absent.
const Version = 1

// DepMissing is the recorded mtime of a dependency that did not exist at
// compile time. A still-missing dep is not an invalidation.
const DepMissing = int64(0)

// Meta is the per-fingerprint record stored as meta.json.
type Meta struct {
	Ver      int                 `json:"ver"`
	URI      string              `json:"uri"`
	QS       string              `json:"qs,omitempty"`
	RtagStr  string              `json:"rtag_str"`
	Path     string              `json:"path,omitempty"`
	Mtime    int64               `json:"mtime,omitempty"`
	SendFile string              `json:"send_file,omitempty"`
	Deps     map[string]int64    `json:"deps"`
	CfgMtime int64               `json:"cfg_mtime"`
	Headers  map[string][]string `json:"headers"`
	Etag     string              `json:"etag"`
	Ctime    int64               `json:"ctime"`
	Atime    int64               `json:"atime"`
	Acount   int64               `json:"acount"`
}

// Cache is the response cache of one vhost.
type Cache struct {
	dir   string
	clock clock.Clock
	locks *locker.Locker
}

// New creates a cache rooted at dir (tmp/response/cache).
func New(dir string, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Cache{dir: dir, clock: clk, locks: locker.New()}
}

// Lock takes the per-fingerprint compile lock. The lifecycle holds it
// around compile+store so one process never runs two compiles for the
// same fingerprint at once.
func (c *Cache) Lock(rtag string) { c.locks.Lock(rtag) }

// Unlock releases the per-fingerprint compile lock.
func (c *Cache) Unlock(rtag string) { _ = c.locks.Unlock(rtag) }

func (c *Cache) metaPath(rtag string) string {
	return filepath.Join(c.dir, "requests", rtag, "meta.json")
}

// BodyPath returns the path of the stored entity for etag.
func (c *Cache) BodyPath(etag string) string {
	return filepath.Join(c.dir, "responses", strings.ReplaceAll(etag, ":", "_"))
}

// Load reads the meta record for rtag. A missing or version-mismatched
// record returns nil without error.
func (c *Cache) Load(rtag string) (*Meta, error) {
	raw, err := os.ReadFile(c.metaPath(rtag))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.System(errors.Wrap(err, "reading cache meta"))
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		// A torn or foreign meta is as good as no meta.
		return nil, nil
	}
	if m.Ver != Version {
		return nil, nil
	}
	return &m, nil
}

func (c *Cache) writeMeta(rtag string, m *Meta) error {
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errdefs.System(err)
	}
	dir := filepath.Dir(c.metaPath(rtag))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.System(errors.Wrap(err, "cache meta dir"))
	}
	if err := atomicwriter.WriteFile(c.metaPath(rtag), out, 0o644); err != nil {
		return errdefs.System(errors.Wrap(err, "writing cache meta"))
	}
	return nil
}

// Storable reports whether the store policy admits this response: GET
// only, responder opted in, and no Cache-Control forbidding storage.
func Storable(method string, canCache bool, headers http.Header) bool {
	if method != http.MethodGet || !canCache {
		return false
	}
	cc := strings.ToLower(headers.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return false
	}
	return true
}

// EtagFor returns the entity tag Store records for a response body. The
// send phase uses it so the tag a client sees matches the stored one.
func EtagFor(body []byte) string {
	return digest.FromBytes(body).String()
}

// Store persists a compiled response. The entity tag is the body digest;
// when the existing meta already carries it only the access fields are
// bumped, otherwise the previous artifacts are purged and both files are
// rewritten. Headers are recorded minus Set-Cookie and Last-Modified,
// which are always recomputed at serve time.
func (c *Cache) Store(rtag string, m *Meta, body []byte, headers http.Header) error {
	etag := EtagFor(body)
	now := c.clock.Now().Unix()

	prev, err := c.Load(rtag)
	if err != nil {
		return err
	}
	if prev != nil && prev.Etag == etag {
		prev.Atime = now
		prev.Acount++
		return c.writeMeta(rtag, prev)
	}
	if prev != nil {
		c.removeArtifacts(prev)
	}

	m.Ver = Version
	m.Etag = etag
	m.Ctime = now
	m.Atime = now
	m.Acount = 1
	m.Headers = map[string][]string{}
	for name, vals := range headers {
		switch http.CanonicalHeaderKey(name) {
		case "Set-Cookie", "Last-Modified":
			continue
		}
		m.Headers[name] = append([]string(nil), vals...)
	}
	if err := os.MkdirAll(filepath.Join(c.dir, "responses"), 0o755); err != nil {
		return errdefs.System(errors.Wrap(err, "cache body dir"))
	}
	if err := atomicwriter.WriteFile(c.BodyPath(etag), body, 0o644); err != nil {
		return errdefs.System(errors.Wrap(err, "writing cache body"))
	}
	return c.writeMeta(rtag, m)
}

// Touch bumps the access fields of an existing meta. Used when a cached
// response is revalidated with a 304.
func (c *Cache) Touch(rtag string, m *Meta) error {
	m.Atime = c.clock.Now().Unix()
	m.Acount++
	return c.writeMeta(rtag, m)
}

// Purge removes the meta and its entity for rtag.
func (c *Cache) Purge(rtag string) {
	if m, _ := c.Load(rtag); m != nil {
		c.removeArtifacts(m)
	}
	_ = os.RemoveAll(filepath.Dir(c.metaPath(rtag)))
}

func (c *Cache) removeArtifacts(m *Meta) {
	if m.Etag != "" {
		_ = os.Remove(c.BodyPath(m.Etag))
	}
}
