// Package daemon drives the request lifecycle: it owns the configured
// virtual hosts, matches incoming requests to one, and runs each request
// through the mapping, authentication, dispatch, cache and send phases.
package daemon

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/daemon/config"
	"github.com/latticeweb/lattice/errdefs"
)

// Daemon serves the configured vhosts. Vhosts are instantiated on first
// use and kept for the daemon's lifetime.
type Daemon struct {
	conf  *config.Daemon
	clock clock.Clock

	mu     sync.Mutex
	vhosts map[string]*Vhost

	terminateOnce sync.Once
	terminateCh   chan struct{}
}

// New builds a Daemon from its binding configuration. Vhost document
// roots are not opened until their first request.
func New(conf *config.Daemon, clk clock.Clock) (*Daemon, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Daemon{
		conf:        conf,
		clock:       clk,
		vhosts:      make(map[string]*Vhost),
		terminateCh: make(chan struct{}),
	}, nil
}

// Terminated is closed when a request cycle asked the daemon to stop.
func (d *Daemon) Terminated() <-chan struct{} {
	return d.terminateCh
}

// Terminate requests a daemon shutdown. Safe to call more than once.
func (d *Daemon) Terminate() {
	d.terminateOnce.Do(func() { close(d.terminateCh) })
}

// Shutdown closes every instantiated vhost.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, v := range d.vhosts {
		v.Close()
		delete(d.vhosts, key)
	}
}

// ServeHTTP implements the daemon's HTTP entry point: resolve the vhost
// for the request's Host header, then run the lifecycle.
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v, err := d.vhostFor(r)
	if err != nil {
		log.G(r.Context()).WithError(err).WithField("host", r.Host).Warn("no vhost for request")
		http.Error(w, "no such site", http.StatusNotFound)
		return
	}
	d.serveRequest(v, w, r)
}

// vhostFor matches the request's Host header against the configured
// vhosts. A hostname of "ANY" or "ALL" matches anything; the bare
// hostname wins over a wildcard.
func (d *Daemon) vhostFor(r *http.Request) (*Vhost, error) {
	hostname, port := splitHostPort(r.Host)

	var chosen *config.Vhost
	for i := range d.conf.Vhosts {
		cfg := &d.conf.Vhosts[i]
		if cfg.Port != 0 && port != 0 && cfg.Port != port {
			continue
		}
		switch {
		case strings.EqualFold(cfg.Hostname, hostname):
			chosen = cfg
		case chosen == nil && isWildcardHost(cfg.Hostname):
			chosen = cfg
		}
		if chosen == cfg && !isWildcardHost(cfg.Hostname) {
			break
		}
	}
	if chosen == nil {
		return nil, errdefs.NotFound(errors.Errorf("no vhost matches %q", r.Host))
	}
	return d.vhost(*chosen)
}

func (d *Daemon) vhost(cfg config.Vhost) (*Vhost, error) {
	key := cfg.Hostname + "\x00" + strconv.Itoa(cfg.Port) + "\x00" + cfg.DocRoot
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.vhosts[key]; ok {
		return v, nil
	}
	v, err := newVhost(cfg, d.clock)
	if err != nil {
		return nil, err
	}
	d.vhosts[key] = v
	return v, nil
}

func isWildcardHost(name string) bool {
	return name == "" || strings.EqualFold(name, "ANY") || strings.EqualFold(name, "ALL")
}

func splitHostPort(host string) (string, int) {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return host, 0
	}
	port, _ := strconv.Atoi(p)
	return h, port
}
