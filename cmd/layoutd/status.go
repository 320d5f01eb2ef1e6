package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dreamware/layoutd/internal/admin"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and the task list",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return a.runStatus(ctx, cmd.OutOrStdout())
		},
	}
}

func (a *app) runStatus(ctx context.Context, w io.Writer) error {
	base, err := a.adminBase()
	if err != nil {
		return err
	}

	var h admin.Health
	if err := admin.GetJSON(ctx, base+"/health", &h); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	var list admin.TaskList
	if err := admin.GetJSON(ctx, base+"/tasks", &list); err != nil {
		return fmt.Errorf("tasks: %w", err)
	}

	fmt.Fprintf(w, "Status: %s\n", h.Status)
	fmt.Fprintf(w, "Sessions: %d\n", h.Sessions)
	fmt.Fprintf(w, "Waiting: %d  Running read-only: %d\n", h.Waiting, h.ActiveReadOnly)
	if s := h.Storage; s != nil {
		last := "never"
		if !s.LastWrite.IsZero() {
			last = humanize.Time(s.LastWrite)
		}
		fmt.Fprintf(w, "Storage: %d designs, %s, last write %s\n", s.Keys, humanize.Bytes(uint64(s.Bytes)), last)
	}
	fmt.Fprintf(w, "Tasks: %d\n", len(list.Tasks))
	for _, t := range list.Tasks {
		since := "queued"
		if !t.Started.IsZero() {
			since = "started " + humanize.Time(t.Started)
		}
		fmt.Fprintf(w, "  %s  %-16s %-10s %-12s %s\n", t.ID, t.Name, t.Kind, t.State, since)
		if t.Failure != "" {
			fmt.Fprintf(w, "      %s\n", t.Failure)
		}
	}
	return nil
}
