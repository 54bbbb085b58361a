package hubapi

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// storageFor finds the storage node owning addr, walking up when the
// address itself does not exist yet.
func storageFor(env *reqenv.Env, addr string) (hub.Storage, error) {
	for {
		st, err := env.Scope.FindStorage(addr)
		if err == nil {
			return st, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
		if address.IsRoot(addr) {
			return nil, err
		}
		addr = address.Parent(addr)
	}
}

// checkConflict implements the optimistic write protocol: when the caller
// recorded an mtime older than the storage's, the write only proceeds if
// its origin snapshot still matches the current value.
func checkConflict(env *reqenv.Env, target string, mtime int64, origin interface{}) error {
	if mtime <= 0 {
		return nil
	}
	st, err := storageFor(env, target)
	if err != nil {
		return nil // nothing persisted yet, nothing to conflict with
	}
	if st.Mtime().Unix() <= mtime {
		return nil
	}
	if origin == nil {
		return errdefs.Conflict(errors.Errorf("%s changed after mtime %d", target, mtime))
	}
	n, err := env.Scope.Get(target)
	if err != nil {
		return errdefs.Conflict(errors.Errorf("%s changed after mtime %d", target, mtime))
	}
	cur, err := valueOf(n)
	if err != nil {
		return err
	}
	if !sameValue(cur, origin) {
		return errdefs.Conflict(errors.Errorf("%s was modified concurrently", target))
	}
	return nil
}

// valueOf unwraps a node to its data value, parsing file-backed nodes.
func valueOf(n *hub.Node) (interface{}, error) {
	if f, ok := n.Value().(*hub.File); ok {
		return f.Data()
	}
	return n.Value(), nil
}

// sameValue compares two data values structurally via their canonical JSON
// rendering.
func sameValue(a, b interface{}) bool {
	ab, aerr := ordmap.EncodeJSON(a)
	bb, berr := ordmap.EncodeJSON(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}

func paramMtime(params *ordmap.Map) int64 {
	s := paramText(params, "mtime")
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// saveTarget persists the storage owning addr and records the change.
func saveTarget(env *reqenv.Env, op, addr string) error {
	st, err := storageFor(env, addr)
	if err != nil {
		return err
	}
	if err := env.Scope.Save(st); err != nil {
		return err
	}
	env.Scope.RecordChange(op, addr, st.Path())
	return nil
}

// respondWith re-fetches addr into the response envelope, noting the
// caller's original target when it differed (e.g. a resolved <next>).
func respondWith(env *reqenv.Env, addr, prev string) error {
	meta, body, err := describe(env, addr)
	if err != nil {
		return err
	}
	if prev != "" && prev != addr {
		meta.Prev = prev
	}
	envelope(env, meta, body)
	return nil
}

func (a *API) store(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	target := paramText(params, "target")
	if target == "" {
		return errdefs.InvalidParameter(errors.New("target is required"))
	}
	target = address.Normalize(target)
	value, ok := params.Get("value")
	if !ok {
		return errdefs.InvalidParameter(errors.New("value is required"))
	}
	origin, _ := params.Get("origin")
	if err := checkConflict(env, target, paramMtime(params), origin); err != nil {
		return err
	}
	concrete, err := env.Scope.Set(target, value)
	if err != nil {
		return err
	}
	if err := saveTarget(env, hub.OpStore, concrete); err != nil {
		return err
	}
	return respondWith(env, concrete, target)
}

func (a *API) update(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	target := paramText(params, "target")
	if target == "" {
		return errdefs.InvalidParameter(errors.New("target is required"))
	}
	target = address.Normalize(target)
	raw, ok := params.Get("values")
	if !ok {
		return errdefs.InvalidParameter(errors.New("values is required"))
	}
	values, ok := raw.(*ordmap.Map)
	if !ok {
		return errdefs.InvalidParameter(errors.New("values must be a mapping"))
	}
	var origins *ordmap.Map
	if o, ok := params.Get("origins"); ok {
		origins, _ = o.(*ordmap.Map)
	}
	mtime := paramMtime(params)

	var werr error
	values.Range(func(key string, value interface{}) bool {
		addr := address.Append(target, key)
		var origin interface{}
		if origins != nil {
			origin, _ = origins.Get(key)
		}
		if werr = checkConflict(env, addr, mtime, origin); werr != nil {
			return false
		}
		_, werr = env.Scope.Set(addr, value)
		return werr == nil
	})
	if werr != nil {
		return werr
	}
	if err := saveTarget(env, hub.OpStore, target); err != nil {
		return err
	}
	return respondWith(env, target, "")
}

func (a *API) insert(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	target := address.Normalize(paramText(params, "target"))
	src := paramText(params, "src")
	if src == "" {
		return errdefs.InvalidParameter(errors.New("src is required"))
	}
	index, err := strconv.Atoi(paramText(params, "index"))
	if err != nil {
		return errdefs.InvalidParameter(errors.New("index must be an integer"))
	}

	srcNode, err := env.Scope.Get(address.Normalize(src))
	if err != nil {
		return err
	}
	srcValue, err := valueOf(srcNode)
	if err != nil {
		return err
	}

	n, err := env.Scope.Get(target)
	if err != nil {
		return err
	}
	v, err := valueOf(n)
	if err != nil {
		return err
	}
	seq, ok := v.(*ordmap.List)
	if !ok {
		return errdefs.Conflict(errors.Errorf("%s is not a sequence", target))
	}
	if err := seq.Insert(index, ordmap.CloneValue(srcValue)); err != nil {
		return errdefs.InvalidParameter(err)
	}
	if f, ok := n.Storage().(*hub.File); ok {
		f.MarkDirty()
	}
	if err := saveTarget(env, hub.OpStore, target); err != nil {
		return err
	}
	return respondWith(env, target, "")
}

func (a *API) remove(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	target := paramText(params, "target")
	if target == "" {
		return errdefs.InvalidParameter(errors.New("target is required"))
	}
	target = address.Normalize(target)
	parent := address.Parent(target)
	if err := env.Scope.Delete(target); err != nil {
		return err
	}
	if err := saveTarget(env, hub.OpRemove, parent); err != nil {
		return err
	}
	return respondWith(env, parent, "")
}

func (a *API) rename(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	target := paramText(params, "target")
	name := paramText(params, "name")
	if target == "" || name == "" {
		return errdefs.InvalidParameter(errors.New("target and name are required"))
	}
	if strings.Contains(name, address.Separator) || name == address.Next {
		return errdefs.InvalidParameter(errors.Errorf("invalid name %q", name))
	}
	target = address.Normalize(target)
	if address.IsRoot(target) {
		return errdefs.InvalidParameter(errors.New("cannot rename the root"))
	}
	parent := address.Parent(target)
	oldName := address.Name(target)

	pn, err := env.Scope.Get(parent)
	if err != nil {
		return err
	}
	pv, err := valueOf(pn)
	if err != nil {
		return err
	}
	switch t := pv.(type) {
	case *ordmap.Map:
		if err := t.Rename(oldName, name); err != nil {
			return errdefs.Conflict(err)
		}
		if f, ok := pn.Storage().(*hub.File); ok {
			f.MarkDirty()
		}
	case *hub.Directory:
		if err := t.Rename(oldName, name); err != nil {
			return err
		}
	default:
		return errdefs.Conflict(errors.Errorf("%s does not support rename", parent))
	}
	newAddr := address.Append(parent, name)
	if err := saveTarget(env, hub.OpRename, newAddr); err != nil {
		return err
	}
	return respondWith(env, newAddr, target)
}

func (a *API) create(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	target := paramText(params, "target")
	name := paramText(params, "name")
	kind := paramText(params, "type")
	if target == "" || name == "" || kind == "" {
		return errdefs.InvalidParameter(errors.New("target, name and type are required"))
	}
	switch kind {
	case hub.TagDirectory, hub.TagFileText, hub.TagDataHash, hub.TagDataArray, hub.TagDataScalar:
	default:
		return errdefs.InvalidParameter(errors.Errorf("cannot create type %q", kind))
	}
	addr := address.Append(address.Normalize(target), name)
	if _, err := env.Scope.Get(addr); err == nil {
		return errdefs.Conflict(errors.Errorf("%s already exists", addr))
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	if _, err := env.Scope.Vivify(addr, kind); err != nil {
		return err
	}
	if value, ok := params.Get("value"); ok {
		if _, err := env.Scope.Set(addr, value); err != nil {
			return err
		}
	}
	if err := saveTarget(env, hub.OpCreate, addr); err != nil {
		return err
	}
	return respondWith(env, addr, "")
}
