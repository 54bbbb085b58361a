package hub

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/hashfile"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// CodeRunner compiles a code file into a callable. It is an external
// collaborator; a hub without one reports code files as unrunnable.
type CodeRunner interface {
	Compile(path string, src []byte) (CodeFunc, error)
}

var (
	hashExtensions = map[string]bool{".hf": true, ".conf": true}
	jsonExtensions = map[string]bool{".json": true}
	textExtensions = map[string]bool{
		".html": true, ".htm": true, ".css": true, ".js": true,
		".txt": true, ".md": true, ".xml": true, ".svg": true,
		".csv": true, ".tmpl": true,
	}
)

// fileTag classifies a filename into a file node tag.
func fileTag(name string, codeExts map[string]bool) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case hashExtensions[ext]:
		return TagFileHash
	case jsonExtensions[ext]:
		return TagFileJSON
	case codeExts != nil && codeExts[ext]:
		return TagFileCode
	case textExtensions[ext]:
		return TagFileText
	default:
		return TagFileBinary
	}
}

// File is a storage-backed leaf. Content is loaded and parsed lazily, and
// revalidated against the backing file's mtime whenever the owning hub has
// been expired since the last load.
type File struct {
	space *space
	addr  string
	path  string
	tag   string

	mu     sync.Mutex
	raw    []byte
	data   interface{}
	size   int64
	mtime  time.Time
	loaded bool
	dirty  bool
	gen    uint64
}

func newFile(sp *space, addr, path string) *File {
	return &File{
		space: sp,
		addr:  addr,
		path:  path,
		tag:   fileTag(path, sp.hub.codeExts),
	}
}

// Addr returns the canonical hub address.
func (f *File) Addr() string { return f.addr }

// Path returns the absolute backing path.
func (f *File) Path() string { return f.path }

// Tag returns the file's type tag (file-hash, file-json, file-text,
// file-binary or file-code).
func (f *File) Tag() string { return f.tag }

// Mtime returns the modification time observed at the last (re)load.
func (f *File) Mtime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureCurrent(); err != nil {
		return time.Time{}
	}
	return f.mtime
}

// Size returns the byte size observed at the last (re)load.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureCurrent(); err != nil {
		return 0
	}
	return f.size
}

// Stat re-reads size and mtime from the backing storage.
func (f *File) Stat() (int64, time.Time, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, time.Time{}, errdefs.NotFound(err)
		}
		return 0, time.Time{}, errdefs.System(err)
	}
	return fi.Size(), fi.ModTime(), nil
}

// ensureCurrent revalidates the cached content against the backing file.
// Callers hold f.mu. Pending (dirty) modifications are never discarded.
func (f *File) ensureCurrent() error {
	gen := f.space.hub.generation()
	if f.loaded && (f.dirty || f.gen == gen) {
		return nil
	}
	fi, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.loaded = false
			return errdefs.NotFound(errors.Wrapf(err, "%s", f.addr))
		}
		return errdefs.System(err)
	}
	if f.loaded && fi.ModTime().Equal(f.mtime) && fi.Size() == f.size {
		f.gen = gen
		return nil
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return errdefs.System(errors.Wrapf(err, "reading %s", f.addr))
	}
	f.raw = raw
	f.data = nil
	f.size = fi.Size()
	f.mtime = fi.ModTime()
	f.loaded = true
	f.gen = gen
	return nil
}

// Raw returns the file's unparsed content.
func (f *File) Raw() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureCurrent(); err != nil {
		return nil, err
	}
	return f.raw, nil
}

// Data returns the parsed content: an ordered map for hash files, map or
// list for JSON, text for textual files, octets for binary ones and a
// callable for code files.
func (f *File) Data() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureCurrent(); err != nil {
		return nil, err
	}
	if f.data != nil {
		return f.data, nil
	}
	var err error
	f.data, err = f.parse()
	if err != nil {
		f.data = nil
		return nil, err
	}
	return f.data, nil
}

func (f *File) parse() (interface{}, error) {
	switch f.tag {
	case TagFileHash:
		m, err := hashfile.Unmarshal(f.raw)
		if err != nil {
			return nil, errdefs.Conflict(errors.Wrapf(err, "parsing %s", f.addr))
		}
		return m, nil
	case TagFileJSON:
		v, err := ordmap.DecodeJSON(f.raw)
		if err != nil {
			return nil, errdefs.Conflict(errors.Wrapf(err, "parsing %s", f.addr))
		}
		return v, nil
	case TagFileText:
		return string(f.raw), nil
	case TagFileCode:
		if f.space.hub.codeRunner == nil {
			return nil, errdefs.System(errors.Errorf("no code runner for %s", f.addr))
		}
		fn, err := f.space.hub.codeRunner.Compile(f.path, f.raw)
		if err != nil {
			return nil, errdefs.System(errors.Wrapf(err, "compiling %s", f.addr))
		}
		return fn, nil
	default:
		return f.raw, nil
	}
}

// MarkDirty records that the parsed content was mutated and must be encoded
// on the next Save.
func (f *File) MarkDirty() {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// Save persists the file. An unmodified file is rewritten byte-identical;
// a mutated one is re-encoded from its parsed content.
func (f *File) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded && !f.dirty {
		return nil
	}
	out := f.raw
	if f.dirty && f.data != nil {
		var err error
		out, err = f.encode()
		if err != nil {
			return err
		}
	}
	if err := atomicwriter.WriteFile(f.path, out, 0o644); err != nil {
		return errdefs.System(errors.Wrapf(err, "saving %s", f.addr))
	}
	f.raw = out
	f.dirty = false
	if fi, err := os.Stat(f.path); err == nil {
		f.size = fi.Size()
		f.mtime = fi.ModTime()
		f.loaded = true
		f.gen = f.space.hub.generation()
	}
	return nil
}

func (f *File) encode() ([]byte, error) {
	switch f.tag {
	case TagFileHash:
		m, ok := f.data.(*ordmap.Map)
		if !ok {
			return nil, errdefs.System(errors.Errorf("%s: hash file holds %T", f.addr, f.data))
		}
		return hashfile.Marshal(m), nil
	case TagFileJSON:
		out, err := ordmap.EncodeJSON(f.data)
		if err != nil {
			return nil, errdefs.System(errors.Wrapf(err, "encoding %s", f.addr))
		}
		return append(out, '\n'), nil
	case TagFileText:
		s, ok := f.data.(string)
		if !ok {
			return nil, errdefs.System(errors.Errorf("%s: text file holds %T", f.addr, f.data))
		}
		return []byte(s), nil
	default:
		b, ok := f.data.([]byte)
		if !ok {
			return nil, errdefs.System(errors.Errorf("%s: binary file holds %T", f.addr, f.data))
		}
		return b, nil
	}
}

// SetData replaces the parsed content outright and marks the file dirty.
func (f *File) SetData(v interface{}) {
	f.mu.Lock()
	f.data = v
	f.dirty = true
	f.loaded = true
	f.mu.Unlock()
}
