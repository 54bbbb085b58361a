// Package config implements the two configuration layers of the daemon:
// the per-vhost overlay built from an ordered stack of hashfiles, and the
// daemon binding config read from a JSON file merged with command flags.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/hashfile"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// source is one hashfile of the overlay stack. A missing source stays in
// the stack and is re-checked on every Refresh.
type source struct {
	path  string
	data  *ordmap.Map
	mtime time.Time
	size  int64
}

func (s *source) load() (bool, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			changed := s.data != nil
			s.data = nil
			s.mtime = time.Time{}
			s.size = 0
			return changed, nil
		}
		return false, errdefs.System(errors.Wrapf(err, "stat %s", s.path))
	}
	if s.data != nil && fi.ModTime().Equal(s.mtime) && fi.Size() == s.size {
		return false, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return false, errdefs.System(errors.Wrapf(err, "reading %s", s.path))
	}
	m, err := hashfile.Unmarshal(raw)
	if err != nil {
		return false, errdefs.Conflict(errors.Wrapf(err, "parsing %s", s.path))
	}
	s.data = m
	s.mtime = fi.ModTime()
	s.size = fi.Size()
	return true, nil
}

// Overlay is the merged view of a config stack. Later sources win; the
// merge is recursive and order preserving. Readers that obtained a
// snapshot before a reload keep seeing the old tree consistently.
type Overlay struct {
	mu      sync.Mutex
	sources []*source
	merged  *ordmap.Map
	mtime   time.Time
}

// NewOverlay builds an overlay over the given hashfile paths, earliest
// first. Missing files are tolerated.
func NewOverlay(paths ...string) (*Overlay, error) {
	o := &Overlay{}
	for _, p := range paths {
		o.sources = append(o.sources, &source{path: p})
	}
	if _, err := o.Refresh(); err != nil {
		return nil, err
	}
	return o, nil
}

// Refresh re-checks every source's mtime and rebuilds the merged tree when
// any changed. It reports whether a rebuild happened.
func (o *Overlay) Refresh() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	changed := o.merged == nil
	for _, s := range o.sources {
		c, err := s.load()
		if err != nil {
			return false, err
		}
		changed = changed || c
	}
	if !changed {
		return false, nil
	}
	merged := ordmap.New()
	var mtime time.Time
	for _, s := range o.sources {
		if s.data == nil {
			continue
		}
		mergeInto(merged, s.data)
		if s.mtime.After(mtime) {
			mtime = s.mtime
		}
	}
	o.merged = merged
	o.mtime = mtime
	return true, nil
}

// mergeInto overlays src onto dst recursively. Mappings merge key by key;
// anything else replaces.
func mergeInto(dst, src *ordmap.Map) {
	src.Range(func(key string, value interface{}) bool {
		if sm, ok := value.(*ordmap.Map); ok {
			if existing, ok := dst.Get(key); ok {
				if dm, ok := existing.(*ordmap.Map); ok {
					mergeInto(dm, sm)
					return true
				}
			}
			dst.Set(key, sm.Clone())
			return true
		}
		dst.Set(key, ordmap.CloneValue(value))
		return true
	})
}

// Tree returns the current merged snapshot. The snapshot is immutable by
// convention; WriteValue builds a fresh one.
func (o *Overlay) Tree() *ordmap.Map {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.merged
}

// Mtime returns the aggregate mtime: the newest of all present sources.
func (o *Overlay) Mtime() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mtime
}

// WriteValue sets the value at the slash-delimited key path in the
// innermost source already containing it, or the last source when none
// does, and saves that file.
func (o *Overlay) WriteValue(keypath string, value interface{}) error {
	segs := splitPath(keypath)
	if len(segs) == 0 {
		return errdefs.InvalidParameter(errors.New("empty config path"))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var target *source
	for i := len(o.sources) - 1; i >= 0; i-- {
		s := o.sources[i]
		if s.data == nil {
			continue
		}
		if _, ok := walk(s.data, segs); ok {
			target = s
			break
		}
	}
	if target == nil {
		if len(o.sources) == 0 {
			return errdefs.System(errors.New("config overlay has no sources"))
		}
		target = o.sources[len(o.sources)-1]
		if target.data == nil {
			target.data = ordmap.New()
		}
	}
	cur := target.data
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur.Get(seg)
		if !ok {
			next := ordmap.New()
			cur.Set(seg, next)
			cur = next
			continue
		}
		m, ok := child.(*ordmap.Map)
		if !ok {
			return errdefs.Conflict(errors.Errorf("config path %s crosses a scalar", keypath))
		}
		cur = m
	}
	cur.Set(segs[len(segs)-1], value)
	if err := atomicwriter.WriteFile(target.path, hashfile.Marshal(target.data), 0o644); err != nil {
		return errdefs.System(errors.Wrapf(err, "saving %s", target.path))
	}
	if fi, err := os.Stat(target.path); err == nil {
		target.mtime = fi.ModTime()
		target.size = fi.Size()
		if target.mtime.After(o.mtime) {
			o.mtime = target.mtime
		}
	}
	merged := ordmap.New()
	for _, s := range o.sources {
		if s.data != nil {
			mergeInto(merged, s.data)
		}
	}
	o.merged = merged
	return nil
}

// SetupVersion returns the numeric lsn-setup-version of the overlay.
// Unparsable values count as 0.
func (o *Overlay) SetupVersion() int {
	s := o.GetString("lsn-setup-version", "")
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func splitPath(keypath string) []string {
	var segs []string
	for _, s := range strings.Split(keypath, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func walk(m *ordmap.Map, segs []string) (interface{}, bool) {
	var v interface{} = m
	for _, seg := range segs {
		mm, ok := v.(*ordmap.Map)
		if !ok {
			return nil, false
		}
		v, ok = mm.Get(seg)
		if !ok {
			return nil, false
		}
	}
	return v, true
}

// Get resolves a slash-delimited key path in the merged tree.
func (o *Overlay) Get(keypath string) (interface{}, bool) {
	tree := o.Tree()
	if tree == nil {
		return nil, false
	}
	return walk(tree, splitPath(keypath))
}
