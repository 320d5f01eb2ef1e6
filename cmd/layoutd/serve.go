package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/layoutd/internal/admin"
	"github.com/dreamware/layoutd/internal/coordinator"
	"github.com/dreamware/layoutd/internal/design"
	"github.com/dreamware/layoutd/internal/server"
	"github.com/dreamware/layoutd/internal/storage"
	"github.com/dreamware/layoutd/internal/task"
	"github.com/dreamware/layoutd/internal/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the design to remote clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, nil)
		},
	}
}

// serve runs until ctx ends. ready, when set, is called with the bound
// addresses once both listeners are up.
func (a *app) serve(ctx context.Context, ready func(sessionAddr, adminAddr string)) error {
	st, db, err := a.loadDesign()
	if err != nil {
		return err
	}
	defer st.Close()

	shutdownTracing, err := telemetry.Setup(ctx, a.cfg.OTelEndpoint, "layoutd")
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.logger.Warn("flush traces", "err", err)
		}
	}()

	reg := task.NewRegistry()
	if err := design.Register(reg); err != nil {
		return err
	}
	coord := a.newCoordinator(db)

	// Checkpoint published snapshots only, never a batch in progress.
	cp := storage.NewCheckpointer(st, a.cfg.Design, func() ([]byte, error) {
		return design.SaveSnapshot(coord.Snapshot())
	}, a.logger)
	if err := cp.Save(); err != nil {
		return err
	}
	unsubscribe := coord.Subscribe(func(task.Snapshot) { cp.Notify() })
	defer unsubscribe()
	go cp.Start(context.Background())

	monitor := coordinator.NewTaskMonitor(a.cfg.MonitorInterval, a.cfg.LongTaskThreshold, a.logger)

	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		cp.Stop()
		return err
	}
	sessions := server.NewListener(coord, reg, a.logger)

	var adminLn net.Listener
	adminAddr := ""
	if a.cfg.AdminAddr != "" {
		adminLn, err = net.Listen("tcp", a.cfg.AdminAddr)
		if err != nil {
			ln.Close()
			cp.Stop()
			return err
		}
		adminAddr = adminLn.Addr().String()
	}

	if err := coord.Start(ctx); err != nil {
		ln.Close()
		cp.Stop()
		return err
	}
	if ready != nil {
		ready(ln.Addr().String(), adminAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sessions.Serve(gctx, ln) })
	g.Go(func() error {
		monitor.Start(gctx, coord.Running)
		return nil
	})
	if adminLn != nil {
		httpSrv := &http.Server{
			Handler:           admin.NewServer(coord, sessions, st, a.logger).Router(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			a.logger.Info("admin listening", "addr", adminAddr)
			if err := httpSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	coord.Stop()
	cp.Stop()
	a.logger.Info("server stopped")
	return err
}
