package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Christopher-Hayes/deskmon/deskmon"
	"github.com/Christopher-Hayes/deskmon/internal/config"
	"github.com/Christopher-Hayes/deskmon/internal/control"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/monitor"
	"github.com/Christopher-Hayes/deskmon/internal/probe"
	"github.com/Christopher-Hayes/deskmon/internal/store"
	"github.com/Christopher-Hayes/deskmon/internal/syncer"
	"github.com/Christopher-Hayes/deskmon/postgres"
	"github.com/Christopher-Hayes/deskmon/webhook"
	"github.com/spf13/cobra"
)

var runLog = logging.New("main")

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the tracker and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, a.cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if os.Getenv("WAYLAND_DISPLAY") == "" && os.Getenv("DISPLAY") == "" {
		return errors.New("no graphical display found; run deskmon inside a Wayland or X11 session")
	}
	runLog.Debugf("Session type: %s, Desktop: %s", os.Getenv("XDG_SESSION_TYPE"), os.Getenv("XDG_CURRENT_DESKTOP"))

	mutter := probe.NewMutter()
	defer mutter.Close()
	if _, err := mutter.ForegroundWindow(); err != nil {
		return fmt.Errorf("failed to connect to the FocusedWindow GNOME Shell extension: %w\n\n%s", err, probe.Troubleshooting)
	}
	if _, err := mutter.IdleDuration(); err != nil {
		runLog.Warnf("Mutter IdleMonitor not reachable, idle detection will retry every tick: %v", err)
	} else {
		runLog.Verbosef("Connected to Mutter IdleMonitor")
	}

	ln, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("control API: %w (is another deskmon already running?)", err)
	}
	defer ln.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sinks, closeSinks := openSinks(cfg)
	defer closeSinks()

	api := deskmon.NewClient(cfg.APIBaseURL)
	api.Timeout = cfg.RequestTimeout
	svc, err := monitor.New(monitor.Options{
		Config: cfg,
		Probe:  mutter,
		Store:  st,
		API:    api,
		Sinks:  sinks,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	if u, ok := svc.Session.User(); ok {
		runLog.Infof("Signed in as %s", logging.Value("%s", u.Username))
	} else {
		runLog.Infof("Not signed in; use 'deskmon login'")
	}

	srv := control.New(svc, version)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	runErr := svc.Run(ctx)
	if err := <-errc; err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// openSinks connects the configured export destinations. A sink that cannot
// be reached is logged and left out.
func openSinks(cfg *config.Config) ([]syncer.Sink, func()) {
	var sinks []syncer.Sink
	var closers []func() error
	if cfg.PostgresDSN != "" {
		pg, err := postgres.NewClient(cfg.PostgresDSN)
		if err != nil {
			runLog.Errorf("PostgreSQL export disabled: %v", err)
		} else {
			sinks = append(sinks, pg)
			closers = append(closers, pg.Close)
		}
	}
	if cfg.WebhookURL != "" {
		wh, err := webhook.NewClient(cfg.WebhookURL)
		if err != nil {
			runLog.Errorf("Webhook export disabled: %v", err)
		} else {
			wh.SetTimeout(cfg.RequestTimeout)
			sinks = append(sinks, wh)
			closers = append(closers, wh.Close)
		}
	}
	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				runLog.Warnf("Closing export sink: %v", err)
			}
		}
	}
}
