package hub

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub/address"
)

// Directory is a storage-backed container. Its entries are the visible
// names in the backing directory, sorted, with dot files hidden.
type Directory struct {
	space *space
	addr  string
	path  string

	mu     sync.Mutex
	names  []string
	mtime  time.Time
	loaded bool
	gen    uint64
}

func newDirectory(sp *space, addr, path string) *Directory {
	return &Directory{space: sp, addr: addr, path: path}
}

// Addr returns the canonical hub address.
func (d *Directory) Addr() string { return d.addr }

// Path returns the absolute backing path.
func (d *Directory) Path() string { return d.path }

// Tag returns TagDirectory.
func (d *Directory) Tag() string { return TagDirectory }

// Mtime returns the backing directory's modification time.
func (d *Directory) Mtime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureCurrent(); err != nil {
		return time.Time{}
	}
	return d.mtime
}

// Save is a no-op: directories have no serialized form of their own.
func (d *Directory) Save() error { return nil }

func (d *Directory) ensureCurrent() error {
	gen := d.space.hub.generation()
	if d.loaded && d.gen == gen {
		return nil
	}
	fi, err := os.Stat(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			d.loaded = false
			return errdefs.NotFound(errors.Wrapf(err, "%s", d.addr))
		}
		return errdefs.System(err)
	}
	ents, err := os.ReadDir(d.path)
	if err != nil {
		return errdefs.System(errors.Wrapf(err, "listing %s", d.addr))
	}
	names := make([]string, 0, len(ents))
	for _, ent := range ents {
		if strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	d.names = names
	d.mtime = fi.ModTime()
	d.loaded = true
	d.gen = gen
	return nil
}

// Entries returns the visible child names in order.
func (d *Directory) Entries() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureCurrent(); err != nil {
		return nil, err
	}
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out, nil
}

// Has reports whether name is a visible entry.
func (d *Directory) Has(name string) (bool, error) {
	names, err := d.Entries()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func validEntryName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errdefs.InvalidParameter(errors.Errorf("invalid entry name %q", name))
	}
	if strings.ContainsAny(name, "/\x00") {
		return errdefs.InvalidParameter(errors.Errorf("invalid entry name %q", name))
	}
	if strings.HasPrefix(name, ".") {
		return errdefs.Forbidden(errors.Errorf("hidden entry name %q", name))
	}
	return nil
}

// Child resolves a named entry to its storage. Symbolic links are followed
// only within the space's root.
func (d *Directory) Child(name string) (Storage, error) {
	if err := validEntryName(name); err != nil {
		return nil, err
	}
	return d.space.storageAt(address.Append(d.addr, name))
}

// CreateFile creates a new child file with the given content. The entry
// must not already exist.
func (d *Directory) CreateFile(name string, content []byte) (*File, error) {
	if err := validEntryName(name); err != nil {
		return nil, err
	}
	path, err := d.space.childPath(d.path, name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(path); err == nil {
		return nil, errdefs.Conflict(errors.Errorf("%s already exists", address.Append(d.addr, name)))
	}
	if err := atomicwriter.WriteFile(path, content, 0o644); err != nil {
		return nil, errdefs.System(errors.Wrapf(err, "creating %s", name))
	}
	d.invalidate()
	st, err := d.Child(name)
	if err != nil {
		return nil, err
	}
	f, ok := st.(*File)
	if !ok {
		return nil, errdefs.System(errors.Errorf("%s: created entry is not a file", name))
	}
	return f, nil
}

// CreateDir creates a new child directory. The entry must not already exist.
func (d *Directory) CreateDir(name string) (*Directory, error) {
	if err := validEntryName(name); err != nil {
		return nil, err
	}
	path, err := d.space.childPath(d.path, name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(path); err == nil {
		return nil, errdefs.Conflict(errors.Errorf("%s already exists", address.Append(d.addr, name)))
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, errdefs.System(errors.Wrapf(err, "creating %s", name))
	}
	d.invalidate()
	st, err := d.Child(name)
	if err != nil {
		return nil, err
	}
	sub, ok := st.(*Directory)
	if !ok {
		return nil, errdefs.System(errors.Errorf("%s: created entry is not a directory", name))
	}
	return sub, nil
}

// Remove deletes a child entry. Directories are removed recursively.
func (d *Directory) Remove(name string) error {
	if err := validEntryName(name); err != nil {
		return err
	}
	path, err := d.space.childPath(d.path, name)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound(errors.Errorf("%s does not exist", address.Append(d.addr, name)))
		}
		return errdefs.System(err)
	}
	if err := os.RemoveAll(path); err != nil {
		return errdefs.System(errors.Wrapf(err, "removing %s", name))
	}
	d.space.forget(address.Append(d.addr, name))
	d.invalidate()
	return nil
}

// Rename renames a child entry in place. The destination must not exist.
func (d *Directory) Rename(oldName, newName string) error {
	if err := validEntryName(oldName); err != nil {
		return err
	}
	if err := validEntryName(newName); err != nil {
		return err
	}
	oldPath, err := d.space.childPath(d.path, oldName)
	if err != nil {
		return err
	}
	newPath, err := d.space.childPath(d.path, newName)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(oldPath); err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound(errors.Errorf("%s does not exist", address.Append(d.addr, oldName)))
		}
		return errdefs.System(err)
	}
	if _, err := os.Lstat(newPath); err == nil {
		return errdefs.Conflict(errors.Errorf("%s already exists", address.Append(d.addr, newName)))
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return errdefs.System(errors.Wrapf(err, "renaming %s", oldName))
	}
	d.space.forget(address.Append(d.addr, oldName))
	d.invalidate()
	return nil
}

// invalidate drops the cached listing so the next access re-reads it.
func (d *Directory) invalidate() {
	d.mu.Lock()
	d.loaded = false
	d.mu.Unlock()
}
