package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dreamware/layoutd/internal/coordinator"
	"github.com/dreamware/layoutd/internal/design"
	"github.com/dreamware/layoutd/internal/task"
)

func newBatchCmd(a *app) *cobra.Command {
	var (
		lines    []string
		threaded bool
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run tasks in-process against the stored design",
		Long: `Run tasks against the configured design and save it afterwards.

By default every task runs inline on the calling goroutine. With --threaded
the scheduling loop is started and tasks are submitted to it, exactly as the
server would run them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := readTasks(lines, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.runBatch(cmd.Context(), tasks, threaded, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringArrayVarP(&lines, "exec", "e", nil, "task line to run (repeatable); stdin when absent")
	cmd.Flags().BoolVar(&threaded, "threaded", false, "run through the scheduling loop")
	return cmd
}

func (a *app) newCoordinator(db *design.Store) *coordinator.Coordinator {
	coord := coordinator.New(db,
		coordinator.WithLogger(a.logger),
		coordinator.WithUndo(db),
		coordinator.WithFatal(func(err error) { logFatal(a.logger, err) }),
	)
	db.SetGuard(coord.CanMutate)
	return coord
}

func (a *app) runBatch(ctx context.Context, tasks []task.Task, threaded bool, w io.Writer) error {
	st, db, err := a.loadDesign()
	if err != nil {
		return err
	}
	defer st.Close()

	coord := a.newCoordinator(db)
	if threaded {
		if err := coord.Start(ctx); err != nil {
			return err
		}
	}

	failed := 0
	for _, t := range tasks {
		out, err := runOne(ctx, coord, t, threaded)
		if err != nil {
			coord.Stop()
			return err
		}
		if report(w, t, out) != nil {
			failed++
		}
	}
	coord.Stop()

	if err := st.Put(a.cfg.Design, db.Save()); err != nil {
		return fmt.Errorf("save design: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(tasks))
	}
	return nil
}

func runOne(ctx context.Context, coord *coordinator.Coordinator, t task.Task, threaded bool) (*task.Outcome, error) {
	if !threaded {
		return coord.Execute(ctx, t)
	}
	env, err := coord.Submit(t)
	if err != nil {
		return nil, err
	}
	return env.Wait(ctx)
}
