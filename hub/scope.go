package hub

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// Change operations recorded against storage.
const (
	OpSave    = "save"
	OpStore   = "store"
	OpRemove  = "remove"
	OpRename  = "rename"
	OpCreate  = "create"
	OpCopy    = "copy"
	OpMove    = "move"
	OpReorder = "reorder"
	OpUpload  = "upload"
)

// AccessEntry is one (path, mtime) pair of the per-request access log.
type AccessEntry struct {
	Path  string
	Mtime time.Time
}

// ChangeEvent is one mutation recorded by the per-request change log.
type ChangeEvent struct {
	Op   string
	Addr string
	Path string
	Time time.Time
}

// AccessFunc observes access log appends.
type AccessFunc func(AccessEntry)

// ChangeFunc observes change log appends.
type ChangeFunc func(ChangeEvent)

// Scope is the per-request view of a hub: the volatile /sys tree plus the
// access and change logs. A scope belongs to exactly one request;
// subrequests share their parent's scope. It holds a non-owning reference
// to the hub and is dropped wholesale at request teardown.
type Scope struct {
	hub *Hub

	mu        sync.Mutex
	sys       *ordmap.Map
	accessLog []AccessEntry
	changeLog []ChangeEvent
	onAccess  []AccessFunc
	onChange  []ChangeFunc
}

// NewScope creates a scope with an empty /sys tree.
func NewScope(h *Hub) *Scope {
	return &Scope{hub: h, sys: ordmap.New()}
}

// Hub returns the owning hub.
func (s *Scope) Hub() *Hub { return s.hub }

// Sys returns the volatile /sys root.
func (s *Scope) Sys() *ordmap.Map { return s.sys }

// OnAccess registers a listener for access log appends.
func (s *Scope) OnAccess(fn AccessFunc) {
	s.mu.Lock()
	s.onAccess = append(s.onAccess, fn)
	s.mu.Unlock()
}

// OnChange registers a listener for change log appends.
func (s *Scope) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// AccessLog returns a copy of the access log.
func (s *Scope) AccessLog() []AccessEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AccessEntry, len(s.accessLog))
	copy(out, s.accessLog)
	return out
}

// ChangeLog returns a copy of the change log.
func (s *Scope) ChangeLog() []ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangeEvent, len(s.changeLog))
	copy(out, s.changeLog)
	return out
}

func (s *Scope) recordAccess(st Storage) {
	ent := AccessEntry{Path: st.Path(), Mtime: st.Mtime()}
	s.mu.Lock()
	if n := len(s.accessLog); n > 0 && s.accessLog[n-1].Path == ent.Path {
		s.accessLog[n-1] = ent
		s.mu.Unlock()
		return
	}
	s.accessLog = append(s.accessLog, ent)
	fns := make([]AccessFunc, len(s.onAccess))
	copy(fns, s.onAccess)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ent)
	}
}

// RecordChange appends a mutation to the change log and notifies listeners.
func (s *Scope) RecordChange(op, addr, path string) {
	ev := ChangeEvent{Op: op, Addr: addr, Path: path, Time: time.Now()}
	s.mu.Lock()
	s.changeLog = append(s.changeLog, ev)
	fns := make([]ChangeFunc, len(s.onChange))
	copy(fns, s.onChange)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Save persists st under the hub's per-path write lock and records the
// change.
func (s *Scope) Save(st Storage) error {
	if err := s.hub.WithWriteLock(st.Path(), st.Save); err != nil {
		return err
	}
	s.RecordChange(OpSave, st.Addr(), st.Path())
	return nil
}

// cursor is the moving state of one resolution walk.
type cursor struct {
	addr  string
	value interface{}
	store Storage
}

// Get resolves addr to a node. Registered code shadows storage; addresses
// under /sys resolve in the request's volatile tree.
func (s *Scope) Get(addr string) (*Node, error) {
	addr = address.Normalize(addr)
	if addr == SysBase || address.HasPrefix(addr, SysBase) {
		return s.getSys(addr)
	}
	if fn, ok := s.hub.codeAt(addr); ok {
		return newNode(addr, fn, nil), nil
	}
	cur, err := s.resolve(addr)
	if err != nil {
		return nil, err
	}
	return newNode(cur.addr, cur.value, cur.store), nil
}

func (s *Scope) getSys(addr string) (*Node, error) {
	segs := address.Split(addr)
	var v interface{} = s.sys
	for _, seg := range segs[1:] {
		child, ok := dataChild(v, seg)
		if !ok {
			return nil, errdefs.NotFound(errors.Errorf("%s does not exist", addr))
		}
		v = child
	}
	return newNode(addr, v, nil), nil
}

// resolve walks addr through the serving space, descending from storage
// into parsed file content as segments demand.
func (s *Scope) resolve(addr string) (cursor, error) {
	sp := s.hub.spaceFor(addr)
	st, err := sp.storageAt(sp.base)
	if err != nil {
		return cursor{}, err
	}
	s.recordAccess(st)
	cur := cursor{addr: sp.base, value: st, store: st}
	segs := address.Split(addr)
	for _, seg := range segs[address.Depth(sp.base):] {
		cur, err = s.step(cur, seg)
		if err != nil {
			return cursor{}, err
		}
	}
	return cur, nil
}

func (s *Scope) step(cur cursor, seg string) (cursor, error) {
	if address.IsAbstractSegment(seg) {
		return s.stepQuery(cur, seg)
	}
	return s.stepLiteral(cur, seg)
}

func (s *Scope) stepLiteral(cur cursor, seg string) (cursor, error) {
	childAddr := address.Append(cur.addr, seg)
	switch t := cur.value.(type) {
	case *Directory:
		st, err := t.Child(seg)
		if err != nil {
			return cursor{}, err
		}
		s.recordAccess(st)
		return cursor{addr: childAddr, value: st, store: st}, nil
	case *File:
		data, err := t.Data()
		if err != nil {
			return cursor{}, err
		}
		s.recordAccess(t)
		v, ok := dataChild(data, seg)
		if !ok {
			return cursor{}, errdefs.NotFound(errors.Errorf("%s does not exist", childAddr))
		}
		return cursor{addr: childAddr, value: v, store: t}, nil
	default:
		v, ok := dataChild(cur.value, seg)
		if !ok {
			return cursor{}, errdefs.NotFound(errors.Errorf("%s does not exist", childAddr))
		}
		return cursor{addr: childAddr, value: v, store: cur.store}, nil
	}
}

func dataChild(v interface{}, seg string) (interface{}, bool) {
	switch t := v.(type) {
	case *ordmap.Map:
		return t.Get(seg)
	case *ordmap.List:
		i, ok := address.Index(seg)
		if !ok {
			return nil, false
		}
		return t.Get(i)
	}
	return nil, false
}

// stepQuery applies one abstract segment, trying | alternatives left to
// right.
func (s *Scope) stepQuery(cur cursor, seg string) (cursor, error) {
	var firstErr error
	for _, alt := range splitAlternatives(seg) {
		var next cursor
		var err error
		if address.IsAbstractSegment(alt) {
			next, err = s.applyQuery(cur, alt)
		} else {
			next, err = s.stepLiteral(cur, alt)
		}
		if err == nil {
			return next, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return cursor{}, firstErr
}

func (s *Scope) applyQuery(cur cursor, seg string) (cursor, error) {
	entries, err := s.entriesOf(cur)
	if err != nil {
		return cursor{}, err
	}
	selected, single, err := evalQuery(seg, entries)
	if err != nil {
		return cursor{}, err
	}
	if single {
		ent := selected[0]
		childAddr := address.Append(cur.addr, ent.key)
		if st, ok := ent.value.(Storage); ok {
			s.recordAccess(st)
			return cursor{addr: childAddr, value: ent.value, store: st}, nil
		}
		return cursor{addr: childAddr, value: ent.value, store: cur.store}, nil
	}
	subset := ordmap.New()
	for _, ent := range selected {
		subset.Set(ent.key, ent.value)
	}
	return cursor{addr: address.Append(cur.addr, seg), value: subset, store: cur.store}, nil
}

// entriesOf lists the (key, value) pairs of the container under cur,
// parsing file content when needed.
func (s *Scope) entriesOf(cur cursor) ([]queryEntry, error) {
	v := cur.value
	if f, ok := v.(*File); ok {
		data, err := f.Data()
		if err != nil {
			return nil, err
		}
		s.recordAccess(f)
		v = data
	}
	switch t := v.(type) {
	case *Directory:
		names, err := t.Entries()
		if err != nil {
			return nil, err
		}
		s.recordAccess(t)
		out := make([]queryEntry, 0, len(names))
		for _, name := range names {
			st, err := t.Child(name)
			if err != nil {
				continue
			}
			out = append(out, queryEntry{key: name, value: st})
		}
		return out, nil
	case *ordmap.Map:
		out := make([]queryEntry, 0, t.Len())
		t.Range(func(k string, v interface{}) bool {
			out = append(out, queryEntry{key: k, value: v})
			return true
		})
		return out, nil
	case *ordmap.List:
		out := make([]queryEntry, 0, t.Len())
		t.Range(func(i int, v interface{}) bool {
			out = append(out, queryEntry{key: strconv.Itoa(i), value: v})
			return true
		})
		return out, nil
	}
	return nil, errdefs.Conflict(errors.Errorf("%s is not a container", cur.addr))
}

// FindStorage returns the storage node owning addr.
func (s *Scope) FindStorage(addr string) (Storage, error) {
	n, err := s.Get(addr)
	if err != nil {
		return nil, err
	}
	if n.Storage() == nil {
		return nil, errdefs.NotFound(errors.Errorf("%s has no storage", addr))
	}
	return n.Storage(), nil
}

// SetSys writes a value under /sys, creating intermediate mappings.
func (s *Scope) SetSys(addr string, value interface{}) error {
	addr = address.Normalize(addr)
	if !address.HasPrefix(addr, SysBase) {
		return errdefs.InvalidParameter(errors.Errorf("%s is outside %s", addr, SysBase))
	}
	segs := address.Split(addr)[1:]
	if len(segs) == 0 {
		return errdefs.InvalidParameter(errors.Errorf("cannot replace %s", SysBase))
	}
	cur := s.sys
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
			return errdefs.Conflict(errors.Errorf("%s is not a mapping", seg))
		}
		cur = m
	}
	cur.Set(segs[len(segs)-1], value)
	return nil
}

// Set writes value at addr within an existing container and marks the
// owning storage dirty. The returned address is concrete: a trailing
// <next> is resolved to the appended index. Set does not save.
func (s *Scope) Set(addr string, value interface{}) (string, error) {
	addr = address.Normalize(addr)
	if address.IsRoot(addr) {
		return "", errdefs.InvalidParameter(errors.New("cannot store at the root"))
	}
	if address.IsAbstract(addr) {
		return "", errdefs.InvalidParameter(errors.Errorf("%s is abstract", addr))
	}
	name := address.Name(addr)
	if address.HasPrefix(addr, SysBase) {
		if err := s.SetSys(addr, value); err != nil {
			return "", err
		}
		return addr, nil
	}
	parentAddr := address.Parent(addr)
	cur, err := s.resolve(parentAddr)
	if err != nil {
		return "", err
	}
	v := cur.value
	if f, ok := v.(*File); ok {
		data, derr := f.Data()
		if derr != nil {
			return "", derr
		}
		v = data
	}
	switch t := v.(type) {
	case *ordmap.Map:
		if name == address.Next {
			return "", errdefs.InvalidParameter(errors.Errorf("%s into a mapping", address.Next))
		}
		t.Set(name, value)
	case *ordmap.List:
		if name == address.Next {
			name = strconv.Itoa(t.Append(value))
		} else {
			i, ok := address.Index(name)
			if !ok {
				return "", errdefs.InvalidParameter(errors.Errorf("%q is not a sequence index", name))
			}
			if i == t.Len() {
				t.Append(value)
			} else if err := t.Set(i, value); err != nil {
				return "", errdefs.Conflict(err)
			}
		}
	case *Directory:
		st, cerr := t.Child(name)
		if cerr != nil {
			return "", cerr
		}
		f, ok := st.(*File)
		if !ok {
			return "", errdefs.Conflict(errors.Errorf("%s is not a file", addr))
		}
		f.SetData(value)
		return addr, nil
	default:
		return "", errdefs.Conflict(errors.Errorf("%s is not a container", parentAddr))
	}
	if f, ok := cur.store.(*File); ok {
		f.MarkDirty()
	}
	return address.Append(parentAddr, name), nil
}

// Delete removes the node at addr from its container and marks the owning
// storage dirty (directory children are removed from the filesystem
// immediately). Delete does not save data containers.
func (s *Scope) Delete(addr string) error {
	addr = address.Normalize(addr)
	if address.IsRoot(addr) {
		return errdefs.InvalidParameter(errors.New("cannot remove the root"))
	}
	if address.IsAbstract(addr) {
		return errdefs.InvalidParameter(errors.Errorf("%s is abstract", addr))
	}
	name := address.Name(addr)
	if address.HasPrefix(addr, SysBase) {
		segs := address.Split(addr)[1:]
		if len(segs) == 0 {
			return errdefs.InvalidParameter(errors.Errorf("cannot remove %s", SysBase))
		}
		var v interface{} = s.sys
		for _, seg := range segs[:len(segs)-1] {
			child, ok := dataChild(v, seg)
			if !ok {
				return errdefs.NotFound(errors.Errorf("%s does not exist", addr))
			}
			v = child
		}
		m, ok := v.(*ordmap.Map)
		if !ok || !m.Delete(name) {
			return errdefs.NotFound(errors.Errorf("%s does not exist", addr))
		}
		return nil
	}
	parentAddr := address.Parent(addr)
	cur, err := s.resolve(parentAddr)
	if err != nil {
		return err
	}
	v := cur.value
	if f, ok := v.(*File); ok {
		data, derr := f.Data()
		if derr != nil {
			return derr
		}
		v = data
	}
	switch t := v.(type) {
	case *ordmap.Map:
		if !t.Delete(name) {
			return errdefs.NotFound(errors.Errorf("%s does not exist", addr))
		}
	case *ordmap.List:
		i, ok := address.Index(name)
		if !ok {
			return errdefs.InvalidParameter(errors.Errorf("%q is not a sequence index", name))
		}
		if err := t.Remove(i); err != nil {
			return errdefs.NotFound(err)
		}
	case *Directory:
		return t.Remove(name)
	default:
		return errdefs.Conflict(errors.Errorf("%s is not a container", parentAddr))
	}
	if f, ok := cur.store.(*File); ok {
		f.MarkDirty()
	}
	return nil
}

// Vivify materializes addr as the given kind when it does not already
// exist. Missing parents become directories for storage kinds and mappings
// for data kinds; data chains never create storage implicitly.
func (s *Scope) Vivify(addr, kind string) (*Node, error) {
	addr = address.Normalize(addr)
	if address.IsAbstract(addr) {
		return nil, errdefs.InvalidParameter(errors.Errorf("%s is abstract", addr))
	}
	if n, err := s.Get(addr); err == nil {
		return n, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}
	if address.IsRoot(addr) {
		return nil, errdefs.System(errors.New("the root cannot be missing"))
	}
	parentAddr := address.Parent(addr)
	name := address.Name(addr)
	switch kind {
	case TagDirectory, TagFileText:
		pn, err := s.Get(parentAddr)
		if errdefs.IsNotFound(err) {
			pn, err = s.Vivify(parentAddr, TagDirectory)
		}
		if err != nil {
			return nil, err
		}
		dir, ok := pn.Value().(*Directory)
		if !ok {
			return nil, errdefs.Conflict(errors.Errorf("%s is not a directory", parentAddr))
		}
		if kind == TagDirectory {
			if _, err := dir.CreateDir(name); err != nil {
				return nil, err
			}
		} else {
			if _, err := dir.CreateFile(name, nil); err != nil {
				return nil, err
			}
		}
		s.RecordChange(OpCreate, addr, dir.Path())
		return s.Get(addr)
	case TagDataHash, TagDataArray, TagDataScalar:
		if _, err := s.Get(parentAddr); errdefs.IsNotFound(err) {
			if _, err := s.Vivify(parentAddr, TagDataHash); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		concrete, err := s.Set(addr, emptyValueFor(kind))
		if err != nil {
			return nil, err
		}
		return s.Get(concrete)
	}
	return nil, errdefs.InvalidParameter(errors.Errorf("cannot vivify kind %q", kind))
}

func emptyValueFor(kind string) interface{} {
	switch kind {
	case TagDataHash:
		return ordmap.New()
	case TagDataArray:
		return ordmap.NewList()
	default:
		return ""
	}
}
