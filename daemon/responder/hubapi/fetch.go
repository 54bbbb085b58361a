package hubapi

import (
	"context"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/api/types"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// textInlineLimit caps the file size whose raw content rides along in the
// fetch meta.
const textInlineLimit = 1 << 20

func (a *API) fetch(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	target := paramText(params, "target")
	if target == "" {
		return errdefs.InvalidParameter(errors.New("target is required"))
	}
	target = address.Normalize(target)

	if paramBool(params, "branch") {
		root := address.Normalize(paramText(params, "root"))
		if target != root && !address.HasPrefix(target, root) {
			return errdefs.Conflict(errors.Errorf("%s is outside %s", target, root))
		}
		chain := ordmap.NewList()
		var last *types.Meta
		for _, addr := range branchAddrs(root, target) {
			meta, body, err := describe(env, addr)
			if err != nil {
				return err
			}
			chain.Append(&types.Envelope{Head: types.Head{Meta: meta}, Body: body})
			last = meta
		}
		envelope(env, last, chain)
		return nil
	}

	meta, body, err := describe(env, target)
	if err != nil {
		return err
	}
	envelope(env, meta, body)
	return nil
}

// branchAddrs lists the addresses from root down to target inclusive.
func branchAddrs(root, target string) []string {
	out := []string{root}
	if target == root {
		return out
	}
	segs := address.Split(target)
	skip := address.Depth(root)
	addr := root
	for _, seg := range segs[skip:] {
		addr = address.Append(addr, seg)
		out = append(out, addr)
	}
	return out
}

// describe resolves addr and produces its envelope halves. Directories get
// a child listing body, small text files carry their content inline,
// structured values travel as the body itself.
func describe(env *reqenv.Env, addr string) (*types.Meta, interface{}, error) {
	n, err := env.Scope.Get(addr)
	if err != nil {
		return nil, nil, err
	}
	meta := metaOf(env, n)

	switch v := n.Value().(type) {
	case *hub.Directory:
		body, err := directoryBody(env, n, v)
		if err != nil {
			return nil, nil, err
		}
		return meta, body, nil
	case *hub.File:
		switch v.Tag() {
		case hub.TagFileText:
			if v.Size() <= textInlineLimit {
				raw, err := v.Raw()
				if err != nil {
					return nil, nil, err
				}
				meta.Content = string(raw)
				meta.Checksum = digest.SHA256.FromBytes(raw).Encoded()
			}
			return meta, nil, nil
		case hub.TagFileHash, hub.TagFileJSON:
			data, err := v.Data()
			if err != nil {
				return nil, nil, err
			}
			return meta, data, nil
		}
		return meta, nil, nil
	case *ordmap.Map, *ordmap.List:
		return meta, v, nil
	case hub.CodeFunc:
		return meta, nil, nil
	default:
		return meta, v, nil
	}
}

// directoryBody lists the children of a directory node. At the tree root
// the mount points are merged in, minus the configured hidden set.
func directoryBody(env *reqenv.Env, n *hub.Node, dir *hub.Directory) (*ordmap.Map, error) {
	names, err := dir.Entries()
	if err != nil {
		return nil, err
	}
	body := ordmap.New()
	for _, name := range names {
		child := address.Append(n.Addr(), name)
		cn, err := env.Scope.Get(child)
		if err != nil {
			continue // raced removal or unreadable entry
		}
		body.Set(name, childInfo(env, cn))
	}
	if address.IsRoot(n.Addr()) {
		hidden := make(map[string]bool)
		for _, h := range env.Conf.GetList("handlers/hub/hidden_mounts") {
			hidden[address.Normalize(h)] = true
		}
		for _, mp := range env.Scope.Hub().Mounts() {
			if address.Depth(mp.Addr) != 1 || hidden[mp.Addr] {
				continue
			}
			name := address.Name(mp.Addr)
			if body.Has(name) {
				continue
			}
			mn, err := env.Scope.Get(mp.Addr)
			if err != nil {
				continue
			}
			body.Set(name, childInfo(env, mn))
		}
	}
	return body, nil
}

func childInfo(env *reqenv.Env, n *hub.Node) *types.ChildInfo {
	info := &types.ChildInfo{
		Addr: n.Addr(),
		Type: env.Scope.Hub().Typeof(n),
		Size: n.Size(),
	}
	if mt := n.Mtime(); !mt.IsZero() {
		info.Mtime = mt.Unix()
	}
	if n.IsContainer() {
		info.Length = n.Len()
	}
	return info
}
