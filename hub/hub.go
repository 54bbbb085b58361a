// Package hub models a virtual host's document root as an addressable tree.
// Storage nodes (directories and files) are backed by the filesystem, data
// nodes by parsed file content, and mounted subtrees graft other directories
// into the address space. Resolution is read-mostly and safe for concurrent
// use; cross-request writes go through per-path locks and atomic renames.
package hub

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/moby/locker"
	"github.com/moby/sys/symlink"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub/address"
)

// SysBase is the reserved address of the per-request volatile tree. It is
// never backed by storage and cannot be mounted over.
const SysBase = "/sys"

// MountPoint describes one entry of a hub's mount table.
type MountPoint struct {
	Addr string
	Dir  string
}

// Hub is the addressable tree for one document root plus its mounts.
type Hub struct {
	docroot string
	root    *space

	mu     sync.Mutex
	mounts atomic.Pointer[iradix.Tree[*space]]

	gen atomic.Uint64

	codeMu     sync.Mutex
	codeFuncs  map[string]CodeFunc
	codeRunner CodeRunner
	codeExts   map[string]bool

	writeLock *locker.Locker
}

// Option configures a Hub.
type Option func(*Hub)

// WithCodeRunner installs a compiler for code files with the given
// extensions (e.g. ".fn").
func WithCodeRunner(r CodeRunner, exts ...string) Option {
	return func(h *Hub) {
		h.codeRunner = r
		if h.codeExts == nil {
			h.codeExts = make(map[string]bool, len(exts))
		}
		for _, ext := range exts {
			h.codeExts[strings.ToLower(ext)] = true
		}
	}
}

// New creates a Hub rooted at docroot, which must be an existing directory.
func New(docroot string, opts ...Option) (*Hub, error) {
	abs, err := filepath.Abs(docroot)
	if err != nil {
		return nil, errdefs.InvalidParameter(err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(errors.Wrap(err, "docroot"))
		}
		return nil, errdefs.System(err)
	}
	if !fi.IsDir() {
		return nil, errdefs.InvalidParameter(errors.Errorf("docroot %s is not a directory", abs))
	}
	h := &Hub{
		docroot:   abs,
		codeFuncs: make(map[string]CodeFunc),
		writeLock: locker.New(),
	}
	for _, o := range opts {
		o(h)
	}
	h.root = newSpace(h, address.Root, abs)
	h.mounts.Store(iradix.New[*space]())
	return h, nil
}

// Docroot returns the absolute document root path.
func (h *Hub) Docroot() string { return h.docroot }

func (h *Hub) generation() uint64 { return h.gen.Load() }

// Expire invalidates all cached file and directory content. Nodes re-stat
// and reload from storage on next access.
func (h *Hub) Expire() { h.gen.Add(1) }

// mountKey makes a mount address prefix-safe: "/a" may not match "/ab".
func mountKey(addr string) []byte {
	if addr == address.Root {
		return []byte(address.Root)
	}
	return []byte(addr + address.Separator)
}

// Mount grafts dir into the tree at addr. The address must be concrete,
// outside the reserved system tree, and not already mounted.
func (h *Hub) Mount(addr, dir string) error {
	addr = address.Normalize(addr)
	if addr == address.Root {
		return errdefs.InvalidParameter(errors.New("cannot mount over the root"))
	}
	if addr == SysBase || address.HasPrefix(addr, SysBase) {
		return errdefs.InvalidParameter(errors.Errorf("%s is reserved", SysBase))
	}
	if address.IsAbstract(addr) {
		return errdefs.InvalidParameter(errors.Errorf("mount address %s is abstract", addr))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errdefs.InvalidParameter(err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound(errors.Wrapf(err, "mount source for %s", addr))
		}
		return errdefs.System(err)
	}
	if !fi.IsDir() {
		return errdefs.InvalidParameter(errors.Errorf("mount source %s is not a directory", abs))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	tree := h.mounts.Load()
	if _, ok := tree.Get(mountKey(addr)); ok {
		return errdefs.Conflict(errors.Errorf("%s is already a mount point", addr))
	}
	next, _, _ := tree.Insert(mountKey(addr), newSpace(h, addr, abs))
	h.mounts.Store(next)
	return nil
}

// Umount removes the mount at addr.
func (h *Hub) Umount(addr string) error {
	addr = address.Normalize(addr)
	h.mu.Lock()
	defer h.mu.Unlock()
	tree := h.mounts.Load()
	next, _, ok := tree.Delete(mountKey(addr))
	if !ok {
		return errdefs.NotFound(errors.Errorf("%s is not a mount point", addr))
	}
	h.mounts.Store(next)
	return nil
}

// Remount drops the cached state of the mount at addr so its content is
// re-read from storage.
func (h *Hub) Remount(addr string) error {
	addr = address.Normalize(addr)
	tree := h.mounts.Load()
	sp, ok := tree.Get(mountKey(addr))
	if !ok {
		return errdefs.NotFound(errors.Errorf("%s is not a mount point", addr))
	}
	sp.reset()
	h.Expire()
	return nil
}

// IsMountPoint reports whether addr is exactly a mount point.
func (h *Hub) IsMountPoint(addr string) bool {
	addr = address.Normalize(addr)
	_, ok := h.mounts.Load().Get(mountKey(addr))
	return ok
}

// Mounts returns the mount table in address order.
func (h *Hub) Mounts() []MountPoint {
	var out []MountPoint
	it := h.mounts.Load().Root().Iterator()
	for key, sp, ok := it.Next(); ok; key, sp, ok = it.Next() {
		out = append(out, MountPoint{
			Addr: strings.TrimSuffix(string(key), address.Separator),
			Dir:  sp.root,
		})
	}
	return out
}

// spaceFor picks the space serving addr: the longest mount prefix, or the
// document root.
func (h *Hub) spaceFor(addr string) *space {
	key := mountKey(addr)
	if _, sp, ok := h.mounts.Load().Root().LongestPrefix(key); ok {
		return sp
	}
	return h.root
}

// RegisterCode binds a callable at addr. The node appears as a code value
// during resolution and shadows any storage at the same address.
func (h *Hub) RegisterCode(addr string, fn CodeFunc) error {
	addr = address.Normalize(addr)
	if addr == address.Root {
		return errdefs.InvalidParameter(errors.New("cannot register code at the root"))
	}
	h.codeMu.Lock()
	defer h.codeMu.Unlock()
	if _, ok := h.codeFuncs[addr]; ok {
		return errdefs.Conflict(errors.Errorf("code already registered at %s", addr))
	}
	h.codeFuncs[addr] = fn
	return nil
}

func (h *Hub) codeAt(addr string) (CodeFunc, bool) {
	h.codeMu.Lock()
	defer h.codeMu.Unlock()
	fn, ok := h.codeFuncs[addr]
	return fn, ok
}

// WithWriteLock serializes fn against other writers of the same backing
// path.
func (h *Hub) WithWriteLock(path string, fn func() error) error {
	h.writeLock.Lock(path)
	defer h.writeLock.Unlock(path)
	return fn()
}

// space is one grafted subtree: the document root or a mounted directory.
// Storage handles are memoized per address so file state (mtimes, pending
// writes) is shared across requests.
type space struct {
	hub  *Hub
	base string
	root string

	mu    sync.Mutex
	cache map[string]Storage
}

func newSpace(h *Hub, base, root string) *space {
	return &space{hub: h, base: base, root: root, cache: make(map[string]Storage)}
}

func (sp *space) reset() {
	sp.mu.Lock()
	sp.cache = make(map[string]Storage)
	sp.mu.Unlock()
}

// relPath maps a hub address inside this space to a relative filesystem
// path.
func (sp *space) relPath(addr string) (string, error) {
	if !address.HasPrefix(addr, sp.base) {
		return "", errdefs.System(errors.Errorf("%s outside space %s", addr, sp.base))
	}
	rel := strings.TrimPrefix(addr, sp.base)
	rel = strings.TrimPrefix(rel, address.Separator)
	return filepath.FromSlash(rel), nil
}

// fsPath resolves addr to an absolute path, following symlinks only within
// the space root.
func (sp *space) fsPath(addr string) (string, error) {
	rel, err := sp.relPath(addr)
	if err != nil {
		return "", err
	}
	path, err := symlink.FollowSymlinkInScope(filepath.Join(sp.root, rel), sp.root)
	if err != nil {
		return "", errdefs.Forbidden(errors.Wrapf(err, "%s", addr))
	}
	return path, nil
}

// childPath resolves a direct child of parentPath, scoped to the space root.
func (sp *space) childPath(parentPath, name string) (string, error) {
	path, err := symlink.FollowSymlinkInScope(filepath.Join(parentPath, name), sp.root)
	if err != nil {
		return "", errdefs.Forbidden(errors.Wrapf(err, "%s", name))
	}
	return path, nil
}

// storageAt resolves addr to its storage handle, creating and memoizing one
// if the backing path exists.
func (sp *space) storageAt(addr string) (Storage, error) {
	path, err := sp.fsPath(addr)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			sp.forget(addr)
			return nil, errdefs.NotFound(errors.Errorf("%s does not exist", addr))
		}
		return nil, errdefs.System(err)
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if st, ok := sp.cache[addr]; ok {
		_, isDir := st.(*Directory)
		if isDir == fi.IsDir() {
			return st, nil
		}
	}
	var st Storage
	if fi.IsDir() {
		st = newDirectory(sp, addr, path)
	} else {
		st = newFile(sp, addr, path)
	}
	sp.cache[addr] = st
	return st, nil
}

// forget drops memoized handles at addr and below.
func (sp *space) forget(addr string) {
	prefix := addr + address.Separator
	sp.mu.Lock()
	for key := range sp.cache {
		if key == addr || strings.HasPrefix(key, prefix) {
			delete(sp.cache, key)
		}
	}
	sp.mu.Unlock()
}
