package hubapi

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

func (a *API) copyMove(ctx context.Context, env *reqenv.Env, params *ordmap.Map, moveIt bool) error {
	target := paramText(params, "target")
	dest := paramText(params, "dest")
	if target == "" || dest == "" {
		return errdefs.InvalidParameter(errors.New("target and dest are required"))
	}
	target = address.Normalize(target)
	dest = address.Normalize(dest)
	if target == dest || address.HasPrefix(dest, target) {
		return errdefs.InvalidParameter(errors.Errorf("cannot copy %s into itself", target))
	}
	op := hub.OpCopy
	if moveIt {
		op = hub.OpMove
	}

	srcNode, err := env.Scope.Get(target)
	if err != nil {
		return err
	}

	switch srcNode.Value().(type) {
	case *hub.File, *hub.Directory:
		concrete, err := copyStorage(env, srcNode, dest)
		if err != nil {
			return err
		}
		if moveIt {
			if err := env.Scope.Delete(target); err != nil {
				return err
			}
		}
		if err := saveTarget(env, op, concrete); err != nil {
			return err
		}
		return respondWith(env, address.Parent(concrete), target)
	}

	// Data copy: deep clone preserving order; <next> into a sequence
	// appends.
	value, err := valueOf(srcNode)
	if err != nil {
		return err
	}
	if address.Name(dest) != address.Next {
		if _, err := env.Scope.Get(dest); err == nil {
			return errdefs.Conflict(errors.Errorf("%s already exists", dest))
		} else if !errdefs.IsNotFound(err) {
			return err
		}
	}
	concrete, err := env.Scope.Set(dest, ordmap.CloneValue(value))
	if err != nil {
		return err
	}
	if err := saveTarget(env, op, concrete); err != nil {
		return err
	}
	if moveIt {
		srcParent := address.Parent(target)
		if err := env.Scope.Delete(target); err != nil {
			return err
		}
		if err := saveTarget(env, hub.OpRemove, srcParent); err != nil {
			return err
		}
	}
	return respondWith(env, address.Parent(concrete), target)
}

// copyStorage clones a file or directory subtree under the destination
// directory and returns the concrete destination address.
func copyStorage(env *reqenv.Env, src *hub.Node, dest string) (string, error) {
	name := address.Name(dest)
	if name == address.Next {
		return "", errdefs.InvalidParameter(errors.Errorf("%s is not valid for storage", address.Next))
	}
	pn, err := env.Scope.Get(address.Parent(dest))
	if err != nil {
		return "", err
	}
	dir, ok := pn.Value().(*hub.Directory)
	if !ok {
		return "", errdefs.Conflict(errors.Errorf("%s is not a directory", pn.Addr()))
	}
	if exists, err := dir.Has(name); err != nil {
		return "", err
	} else if exists {
		return "", errdefs.Conflict(errors.Errorf("%s already exists", dest))
	}
	switch sv := src.Value().(type) {
	case *hub.File:
		raw, err := sv.Raw()
		if err != nil {
			return "", err
		}
		if _, err := dir.CreateFile(name, raw); err != nil {
			return "", err
		}
	case *hub.Directory:
		if err := copyDirTree(sv, dir, name); err != nil {
			return "", err
		}
	}
	return dest, nil
}

func copyDirTree(src *hub.Directory, parent *hub.Directory, name string) error {
	dst, err := parent.CreateDir(name)
	if err != nil {
		return err
	}
	names, err := src.Entries()
	if err != nil {
		return err
	}
	for _, entry := range names {
		st, err := src.Child(entry)
		if err != nil {
			return err
		}
		switch child := st.(type) {
		case *hub.File:
			raw, err := child.Raw()
			if err != nil {
				return err
			}
			if _, err := dst.CreateFile(entry, raw); err != nil {
				return err
			}
		case *hub.Directory:
			if err := copyDirTree(child, dst, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *API) reorder(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	target := paramText(params, "target")
	if target == "" {
		return errdefs.InvalidParameter(errors.New("target is required"))
	}
	target = address.Normalize(target)
	raw, ok := params.Get("value")
	if !ok {
		return errdefs.InvalidParameter(errors.New("value is required"))
	}
	perm, err := permutation(raw)
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
	switch t := v.(type) {
	case *ordmap.List:
		if err := t.Reorder(perm); err != nil {
			return errdefs.InvalidParameter(err)
		}
	case *ordmap.Map:
		keys := t.Keys()
		if len(perm) != len(keys) {
			return errdefs.InvalidParameter(errors.Errorf("permutation has %d entries, mapping has %d", len(perm), len(keys)))
		}
		order := make([]string, len(perm))
		for i, p := range perm {
			if p < 0 || p >= len(keys) {
				return errdefs.InvalidParameter(errors.Errorf("index %d out of range", p))
			}
			order[i] = keys[p]
		}
		t.SortByKeys(order)
	default:
		return errdefs.Conflict(errors.Errorf("%s does not support reorder", target))
	}
	if f, ok := n.Storage().(*hub.File); ok {
		f.MarkDirty()
	}
	if err := saveTarget(env, hub.OpReorder, target); err != nil {
		return err
	}
	fresh, err := env.Scope.Get(target)
	if err != nil {
		return err
	}
	envelope(env, metaOf(env, fresh), raw)
	return nil
}

// permutation coerces the wire value (a JSON array of indices) to []int.
func permutation(raw interface{}) ([]int, error) {
	l, ok := raw.(*ordmap.List)
	if !ok {
		return nil, errdefs.InvalidParameter(errors.New("value must be an array of indices"))
	}
	out := make([]int, 0, l.Len())
	var err error
	l.Range(func(_ int, v interface{}) bool {
		switch t := v.(type) {
		case json.Number:
			var n int64
			if n, err = t.Int64(); err == nil {
				out = append(out, int(n))
			}
		case string:
			var n int
			if n, err = strconv.Atoi(t); err == nil {
				out = append(out, n)
			}
		default:
			err = errors.Errorf("index is %T, not a number", v)
		}
		return err == nil
	})
	if err != nil {
		return nil, errdefs.InvalidParameter(err)
	}
	return out, nil
}
