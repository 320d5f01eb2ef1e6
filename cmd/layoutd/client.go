package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/layoutd/internal/client"
	"github.com/dreamware/layoutd/internal/design"
	"github.com/dreamware/layoutd/internal/task"
)

func newClientCmd(a *app) *cobra.Command {
	var lines []string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run tasks on a layoutd server",
		Long: `Connect to a layoutd server and run tasks on it one at a time.

The address is a TCP host:port, or a ws:// URL of the admin server's /session
endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := readTasks(lines, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runClient(ctx, tasks, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringArrayVarP(&lines, "exec", "e", nil, "task line to run (repeatable); stdin when absent")
	return cmd
}

func (a *app) runClient(ctx context.Context, tasks []task.Task, w io.Writer) error {
	conn, err := client.Dial(ctx, a.cfg.Addr, client.DialConfig{
		MaxElapsed: a.cfg.DialRetry,
		Timeout:    a.cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.cfg.Addr, err)
	}

	replica := design.NewReplica()
	c := client.New(conn, replica,
		client.WithLogger(a.logger),
		client.OnChange(func() { a.logger.Debug("replica updated", "heads", len(replica.Heads())) }),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case err := <-done:
		return fmt.Errorf("connection closed before handshake: %v", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	failed := 0
	for _, t := range tasks {
		env, err := c.Submit(t)
		if err != nil {
			return err
		}
		out, err := env.Wait(ctx)
		if err != nil {
			return err
		}
		if report(w, t, out) != nil {
			failed++
		}
	}

	cancel()
	if err := <-done; err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(tasks))
	}
	return nil
}
