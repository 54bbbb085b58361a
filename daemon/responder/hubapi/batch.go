package hubapi

import (
	"context"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/api/types"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// batch executes a list of sub-requests sequentially within the same
// request environment. Failures attach to their item; the batch envelope
// itself only fails for malformed input.
func (a *API) batch(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	raw, ok := params.Get("requests")
	if !ok {
		return errdefs.InvalidParameter(errors.New("requests is required"))
	}
	items, ok := raw.(*ordmap.List)
	if !ok {
		return errdefs.InvalidParameter(errors.New("requests must be an array"))
	}

	results := ordmap.NewList()
	items.Range(func(i int, v interface{}) bool {
		item, ok := v.(*ordmap.Map)
		if !ok {
			results.Append(&types.BatchResult{Error: &types.Error{
				Type:    "IllegalArg",
				Message: "sub-request must be a mapping",
			}})
			return true
		}
		results.Append(a.runItem(ctx, env, item))
		return true
	})
	envelope(env, &types.Meta{Addr: env.Req.URI, Type: "batch"}, results)
	return nil
}

func (a *API) runItem(ctx context.Context, env *reqenv.Env, item *ordmap.Map) *types.BatchResult {
	verb := paramText(item, "verb")
	if verb == "" {
		verb = paramText(item, "command")
	}
	if err := a.checkItemVerb(env, verb); err != nil {
		return itemError(err)
	}
	sub := &API{verb: verb, maxPost: a.maxPost}
	prev := env.Res.Envelope
	env.Res.Envelope = nil
	err := sub.run(ctx, env, item)
	result := env.Res.Envelope
	env.Res.Envelope = prev
	if err != nil {
		return itemError(err)
	}
	return &types.BatchResult{Result: result}
}

func (a *API) checkItemVerb(env *reqenv.Env, verb string) error {
	switch verb {
	case "batch":
		return errdefs.InvalidParameter(errors.New("batch does not nest"))
	case "upload":
		return errdefs.InvalidParameter(errors.New("upload cannot run in a batch"))
	}
	if !knownVerbs[verb] {
		return errdefs.InvalidParameter(errors.Errorf("unknown verb %q", verb))
	}
	// A batch request was admitted with the read set only; items that
	// write still need the write bit.
	if writeVerbs[verb] && env.Perms != nil && !env.Perms.Allowed(env.Req.URI, env.User, "w") {
		return errdefs.AccessDenied(errors.Errorf("%s requires write permission", verb))
	}
	return nil
}

func itemError(err error) *types.BatchResult {
	return &types.BatchResult{Error: &types.Error{
		Type:    errdefs.Kind(err),
		Message: err.Error(),
	}}
}
