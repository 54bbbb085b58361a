package hubapi

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/api/types"
	"github.com/latticeweb/lattice/daemon/reqenv"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/hashfile"
	"github.com/latticeweb/lattice/pkg/ioutils"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// progressFlushEvery is how many spooled bytes may accumulate between
// progress record writes.
const progressFlushEvery = 64 * 1024

var progressIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// progressPath places the record for one transfer id.
func progressPath(tmpDir, id string) string {
	return filepath.Join(tmpDir, "xfr", id+".hf")
}

// progressReader counts bytes flowing through a transfer and journals
// them to the xfr record so a concurrent *_progress request can watch.
type progressReader struct {
	cr    *ioutils.CountingReader
	path  string
	size  int64
	state string
	slow  bool

	flushed int64
}

func newProgressReader(r io.Reader, path string, size int64, state string, slow bool) *progressReader {
	p := &progressReader{
		cr:    ioutils.NewCountingReader(r),
		path:  path,
		size:  size,
		state: state,
		slow:  slow,
	}
	p.flush()
	return p
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.cr.Read(b)
	if p.slow && n > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.cr.Count(); got-p.flushed >= progressFlushEvery || err != nil {
		p.flush()
	}
	return n, err
}

// finish records the terminal state.
func (p *progressReader) finish(state string) {
	p.state = state
	p.flush()
}

// drop removes the record, e.g. after a cancelled transfer.
func (p *progressReader) drop() {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		log.L.WithError(err).Warnf("dropping transfer record %s", p.path)
	}
}

func (p *progressReader) flush() {
	p.flushed = p.cr.Count()
	rec := ordmap.New()
	rec.Set("size", strconv.FormatInt(p.size, 10))
	rec.Set("received", strconv.FormatInt(p.flushed, 10))
	rec.Set("state", p.state)
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		log.L.WithError(err).Warn("creating transfer directory")
		return
	}
	if err := atomicwriter.WriteFile(p.path, hashfile.Marshal(rec), 0o644); err != nil {
		log.L.WithError(err).Warnf("writing transfer record %s", p.path)
	}
}

// InputFilter implements responder.Responder: uploads with a progress id
// read through a journaling counter.
func (a *API) InputFilter(env *reqenv.Env, r io.Reader) io.Reader {
	if a.verb != "upload" {
		return r
	}
	id := env.Req.XArg("X-Progress-ID")
	if !progressIDRe.MatchString(id) {
		return r
	}
	a.filter = newProgressReader(
		r,
		progressPath(env.TmpDir, id),
		env.Req.ContentLength,
		types.TransferUploading,
		env.Conf.GetBool("debug/slow_upload"),
	)
	return a.filter
}

// targetDir resolves the target parameter to a directory and validates
// the entry name.
func targetDir(env *reqenv.Env, params *ordmap.Map) (*hub.Directory, string, string, error) {
	target := paramText(params, "target")
	name := paramText(params, "name")
	if target == "" || name == "" {
		return nil, "", "", errdefs.InvalidParameter(errors.New("target and name are required"))
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, "", "", errdefs.InvalidParameter(errors.Errorf("invalid name %q", name))
	}
	target = address.Normalize(target)
	n, err := env.Scope.Get(target)
	if err != nil {
		return nil, "", "", err
	}
	dir, ok := n.Value().(*hub.Directory)
	if !ok {
		return nil, "", "", errdefs.Conflict(errors.Errorf("%s is not a directory", target))
	}
	return dir, target, name, nil
}

// spool drains r into a temporary file under tmp/xfr, enforcing the byte
// limit, and returns the temporary path.
func spool(ctx context.Context, tmpDir string, r io.Reader, limit int64) (string, error) {
	dir := filepath.Join(tmpDir, "xfr")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errdefs.System(errors.Wrap(err, "creating transfer directory"))
	}
	f, err := os.CreateTemp(dir, "spool-")
	if err != nil {
		return "", errdefs.System(errors.Wrap(err, "creating spool file"))
	}
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, readerCtx(ctx, r))
	cerr := f.Close()
	switch {
	case err != nil:
		os.Remove(f.Name())
		return "", errdefs.System(errors.Wrap(err, "spooling transfer"))
	case cerr != nil:
		os.Remove(f.Name())
		return "", errdefs.System(errors.Wrap(cerr, "closing spool file"))
	case limit > 0 && n > limit:
		os.Remove(f.Name())
		return "", errdefs.Conflict(errors.Errorf("transfer exceeds %d bytes", limit))
	}
	return f.Name(), nil
}

// readerCtx aborts a copy when the request is cancelled.
func readerCtx(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func (a *API) upload(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	dir, target, name, err := targetDir(env, params)
	if err != nil {
		return err
	}
	if exists, err := dir.Has(name); err != nil {
		return err
	} else if exists && !paramBool(params, "replace") {
		return errdefs.Conflict(errors.Errorf("%s already exists", address.Append(target, name)))
	}
	if env.Req.Body == nil {
		return errdefs.InvalidParameter(errors.New("upload has no body"))
	}

	spooled, err := spool(ctx, env.TmpDir, env.Req.Body, a.maxPost)
	if err != nil {
		if a.filter != nil {
			if ctx.Err() != nil {
				a.filter.drop()
			} else {
				a.filter.finish(types.TransferError)
			}
		}
		return err
	}
	dst := filepath.Join(dir.Path(), name)
	if err := os.Rename(spooled, dst); err != nil {
		os.Remove(spooled)
		if a.filter != nil {
			a.filter.finish(types.TransferError)
		}
		return errdefs.System(errors.Wrapf(err, "placing %s", dst))
	}
	if a.filter != nil {
		a.filter.finish(types.TransferDone)
	}
	env.Scope.Hub().Expire()
	env.Scope.RecordChange(hub.OpUpload, address.Append(target, name), dst)

	env.Res.Status = http.StatusNoContent
	env.Res.Standalone = true
	return nil
}

// downloadClient fetches remote bodies for the download verb.
var downloadClient = &http.Client{Timeout: 10 * time.Minute}

func (a *API) download(ctx context.Context, env *reqenv.Env, params *ordmap.Map) error {
	dir, target, name, err := targetDir(env, params)
	if err != nil {
		return err
	}
	uri := paramText(params, "uri")
	if uri == "" {
		return errdefs.InvalidParameter(errors.New("uri is required"))
	}
	if exists, err := dir.Has(name); err != nil {
		return err
	} else if exists && !paramBool(params, "replace") {
		return errdefs.Conflict(errors.Errorf("%s already exists", address.Append(target, name)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return errdefs.InvalidParameter(errors.Wrapf(err, "download uri %q", uri))
	}
	resp, err := downloadClient.Do(req)
	if err != nil {
		return errdefs.System(errors.Wrapf(err, "fetching %s", uri))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errdefs.FromStatusCode(errors.Errorf("fetching %s: %s", uri, resp.Status), resp.StatusCode)
	}
	if a.maxPost > 0 && resp.ContentLength > a.maxPost {
		return errdefs.Conflict(errors.Errorf("%s is %d bytes, limit is %d", uri, resp.ContentLength, a.maxPost))
	}

	var body io.Reader = resp.Body
	var prog *progressReader
	if id := env.Req.XArg("X-Progress-ID"); progressIDRe.MatchString(id) {
		prog = newProgressReader(body, progressPath(env.TmpDir, id), resp.ContentLength, types.TransferDownloading,
			env.Conf.GetBool("debug/slow_upload"))
		body = prog
	}
	spooled, err := spool(ctx, env.TmpDir, body, a.maxPost)
	if err != nil {
		if prog != nil {
			if ctx.Err() != nil {
				prog.drop()
			} else {
				prog.finish(types.TransferError)
			}
		}
		return err
	}
	dst := filepath.Join(dir.Path(), name)
	if err := os.Rename(spooled, dst); err != nil {
		os.Remove(spooled)
		if prog != nil {
			prog.finish(types.TransferError)
		}
		return errdefs.System(errors.Wrapf(err, "placing %s", dst))
	}
	if prog != nil {
		prog.finish(types.TransferDone)
	}
	env.Scope.Hub().Expire()
	addr := address.Append(target, name)
	env.Scope.RecordChange(hub.OpUpload, addr, dst)
	return respondWith(env, addr, "")
}

func (a *API) progress(ctx context.Context, env *reqenv.Env) error {
	id := env.Req.XArg("X-Progress-ID")
	if !progressIDRe.MatchString(id) {
		return errdefs.InvalidParameter(errors.New("X-Progress-ID is required"))
	}
	raw, err := os.ReadFile(progressPath(env.TmpDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound(errors.Errorf("no transfer %q", id))
		}
		return errdefs.System(errors.Wrap(err, "reading transfer record"))
	}
	rec, err := hashfile.Unmarshal(raw)
	if err != nil {
		return errdefs.System(errors.Wrap(err, "parsing transfer record"))
	}
	p := types.Progress{State: paramText(rec, "state")}
	p.Size, _ = strconv.ParseInt(paramText(rec, "size"), 10, 64)
	p.Received, _ = strconv.ParseInt(paramText(rec, "received"), 10, 64)
	env.Res.Envelope = &types.Envelope{Head: types.Head{Meta: &types.Meta{Addr: id, Type: "transfer"}}, Body: p}
	return nil
}
