package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/latticeweb/lattice/api/server"
	"github.com/latticeweb/lattice/api/server/middleware"
	"github.com/latticeweb/lattice/daemon"
	"github.com/latticeweb/lattice/daemon/config"
	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/pidfile"
)

func main() {
	if err := newDaemonCommand().Execute(); err != nil {
		log.L.Error(err)
		os.Exit(1)
	}
}

func newDaemonCommand() *cobra.Command {
	conf := config.NewDaemon()
	var configFile string

	cmd := &cobra.Command{
		Use:           "latticed [OPTIONS]",
		Short:         "A per-vhost dynamic web server over an addressable content tree",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				if err := conf.MergeFile(configFile, cmd.Flags()); err != nil {
					return err
				}
			}
			format, _ := cmd.Flags().GetString("log-format")
			if err := log.SetFormat(log.OutputFormat(format)); err != nil {
				return err
			}
			return runDaemon(conf)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configFile, "config-file", "", "Daemon configuration file")
	conf.InstallFlags(flags)
	installLogFlags(flags)
	return cmd
}

func installLogFlags(flags *pflag.FlagSet) {
	flags.String("log-format", string(log.TextFormat), `Set the logging format ("text"|"json")`)
}

func runDaemon(conf *config.Daemon) error {
	ctx := context.Background()
	if err := configureLogging(conf); err != nil {
		return err
	}

	d, err := daemon.New(conf, nil)
	if err != nil {
		return err
	}
	defer d.Shutdown()

	if conf.Pidfile != "" {
		if err := pidfile.Write(conf.Pidfile, os.Getpid()); err != nil {
			return err
		}
		defer os.Remove(conf.Pidfile)
	}

	srv := server.New()
	srv.UseMiddleware(middleware.ServerHeaderMiddleware("lattice"))
	if conf.Debug {
		srv.UseMiddleware(middleware.DebugRequestMiddleware)
	}

	ln, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		return errdefs.System(err)
	}
	httpSrv := &http.Server{
		Handler:           srv.CreateMux(d),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.G(gctx).WithField("addr", conf.Listen).Info("serving requests")
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	var metricsSrv *http.Server
	if conf.MetricsAddr != "" {
		mln, err := net.Listen("tcp", conf.MetricsAddr)
		if err != nil {
			return errdefs.System(err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		group.Go(func() error {
			log.G(gctx).WithField("addr", conf.MetricsAddr).Info("serving metrics")
			if err := metricsSrv.Serve(mln); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.G(gctx).Infof("received %s, shutting down", sig)
		case <-d.Terminated():
			log.G(gctx).Info("terminate requested, shutting down")
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func configureLogging(conf *config.Daemon) error {
	level := conf.LogLevel
	if level == "" {
		level = "info"
	}
	if conf.Debug {
		level = "debug"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errdefs.InvalidParameter(errors.Wrapf(err, "log level %q", level))
	}
	logrus.SetLevel(lvl)
	return nil
}
