package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dreamware/layoutd/internal/admin"
)

func newAbortCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <task-id>",
		Short: "Ask a running or queued task to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return a.runAbort(ctx, args[0], cmd.OutOrStdout())
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task-id>",
		Short: "Drop a finished task from the task list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return a.runRemove(ctx, args[0], cmd.OutOrStdout())
		},
	}
}

// adminBase returns the admin API root URL.
func (a *app) adminBase() (string, error) {
	if a.cfg.AdminAddr == "" {
		return "", fmt.Errorf("no admin address configured")
	}
	base := a.cfg.AdminAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimSuffix(base, "/"), nil
}

func (a *app) runAbort(ctx context.Context, id string, w io.Writer) error {
	base, err := a.adminBase()
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("task id %q: %w", id, err)
	}
	if err := admin.PostJSON(ctx, base+"/tasks/"+id+"/abort", nil, nil); err != nil {
		return fmt.Errorf("abort %s: %w", id, err)
	}
	fmt.Fprintf(w, "abort requested for %s\n", id)
	return nil
}

func (a *app) runRemove(ctx context.Context, id string, w io.Writer) error {
	base, err := a.adminBase()
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("task id %q: %w", id, err)
	}
	if err := admin.Delete(ctx, base+"/tasks/"+id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	fmt.Fprintf(w, "removed %s\n", id)
	return nil
}
