package main

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/layoutd/internal/config"
	"github.com/dreamware/layoutd/internal/design"
	"github.com/dreamware/layoutd/internal/logging"
	"github.com/dreamware/layoutd/internal/storage"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "layoutd",
		Short:         "Task-execution service for the layout editor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("addr", "", "session address (overrides LAYOUTD_ADDR)")
	flags.String("admin-addr", "", "admin HTTP address (overrides LAYOUTD_ADMIN_ADDR)")
	flags.String("storage", "", `SQLite path or "memory" (overrides LAYOUTD_STORAGE)`)
	flags.String("design", "", "design name (overrides LAYOUTD_DESIGN)")
	flags.String("log-level", "", "debug, info, warn or error (overrides LAYOUTD_LOG_LEVEL)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		override := func(name string, dst *string) {
			if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
				*dst = f.Value.String()
			}
		}
		override("addr", &cfg.Addr)
		override("admin-addr", &cfg.AdminAddr)
		override("storage", &cfg.Storage)
		override("design", &cfg.Design)
		override("log-level", &cfg.LogLevel)
		if err := cfg.Validate(); err != nil {
			return err
		}
		a.cfg = cfg
		a.logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		slog.SetDefault(a.logger)
		return nil
	}

	root.AddCommand(
		newServeCmd(a),
		newClientCmd(a),
		newBatchCmd(a),
		newStatusCmd(a),
		newAbortCmd(a),
		newRemoveCmd(a),
	)
	return root
}

// openStorage opens the configured backend.
func (a *app) openStorage() (storage.Store, error) {
	if strings.EqualFold(a.cfg.Storage, "memory") {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenSQLite(a.cfg.Storage)
}

// loadDesign opens storage and restores the configured design from it.
func (a *app) loadDesign() (storage.Store, *design.Store, error) {
	st, err := a.openStorage()
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.LoadDesign(st, a.cfg.Design)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	keys, _ := db.Keys("")
	a.logger.Info("design loaded", "design", a.cfg.Design, "storage", a.cfg.Storage, "keys", len(keys))
	return st, db, nil
}
