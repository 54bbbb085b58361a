package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/latticeweb/lattice/errdefs"
)

// Vhost declares one virtual host served by the daemon.
type Vhost struct {
	Hostname string   `json:"hostname"`
	Port     int      `json:"port,omitempty"`
	DocRoot  string   `json:"doc-root"`
	Configs  []string `json:"configs,omitempty"`
}

// Daemon is the binding configuration of the latticed process, read from
// a JSON file and merged with command flags. Flags win over file values.
type Daemon struct {
	Listen      string  `json:"listen,omitempty"`
	MetricsAddr string  `json:"metrics-addr,omitempty"`
	LogLevel    string  `json:"log-level,omitempty"`
	Pidfile     string  `json:"pidfile,omitempty"`
	Debug       bool    `json:"debug,omitempty"`
	Vhosts      []Vhost `json:"vhosts,omitempty"`
}

// NewDaemon returns a Daemon with defaults applied.
func NewDaemon() *Daemon {
	return &Daemon{
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
	}
}

// InstallFlags registers the daemon's command line flags.
func (d *Daemon) InstallFlags(flags *pflag.FlagSet) {
	flags.StringVar(&d.Listen, "listen", d.Listen, "Address to serve HTTP on")
	flags.StringVar(&d.MetricsAddr, "metrics-addr", d.MetricsAddr, "Address to serve Prometheus metrics on (disabled when empty)")
	flags.StringVarP(&d.LogLevel, "log-level", "l", d.LogLevel, `Logging level ("debug"|"info"|"warn"|"error")`)
	flags.StringVarP(&d.Pidfile, "pidfile", "p", d.Pidfile, "Path to use for daemon PID file")
	flags.BoolVarP(&d.Debug, "debug", "D", d.Debug, "Enable debug mode")
}

// MergeFile overlays values from a JSON config file, keeping any value a
// flag already set.
func (d *Daemon) MergeFile(path string, flags *pflag.FlagSet) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errdefs.NotFound(errors.Wrap(err, "daemon config"))
		}
		return errdefs.System(err)
	}
	var fileCfg Daemon
	if err := json.Unmarshal(raw, &fileCfg); err != nil {
		return errdefs.InvalidParameter(errors.Wrapf(err, "parsing %s", path))
	}
	if !flags.Changed("listen") && fileCfg.Listen != "" {
		d.Listen = fileCfg.Listen
	}
	if !flags.Changed("metrics-addr") && fileCfg.MetricsAddr != "" {
		d.MetricsAddr = fileCfg.MetricsAddr
	}
	if !flags.Changed("log-level") && fileCfg.LogLevel != "" {
		d.LogLevel = fileCfg.LogLevel
	}
	if !flags.Changed("pidfile") && fileCfg.Pidfile != "" {
		d.Pidfile = fileCfg.Pidfile
	}
	if !flags.Changed("debug") {
		d.Debug = fileCfg.Debug
	}
	d.Vhosts = append(d.Vhosts, fileCfg.Vhosts...)
	return nil
}

// Validate checks the configuration for internal consistency.
func (d *Daemon) Validate() error {
	if d.Listen == "" {
		return errdefs.InvalidParameter(errors.New("listen address is required"))
	}
	if len(d.Vhosts) == 0 {
		return errdefs.InvalidParameter(errors.New("at least one vhost is required"))
	}
	for _, v := range d.Vhosts {
		if v.Hostname == "" {
			return errdefs.InvalidParameter(errors.New("vhost hostname is required"))
		}
		if v.DocRoot == "" {
			return errdefs.InvalidParameter(errors.Errorf("vhost %s: doc-root is required", v.Hostname))
		}
	}
	return nil
}
