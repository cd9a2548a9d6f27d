package main

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"codeagent/internal/domain"
)

var errWorkflowFailed = errors.New("workflow failed")

func newRunCmd(opts *options) *cobra.Command {
	var file bool
	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Run one workflow and print its result as JSON",
		Long: `Run one detect, decide and fix workflow against a project directory,
or against a single file with --file. The exit status is non-zero when the
workflow fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.WorkflowRequest{ProjectPath: args[0]}
			if file {
				req = domain.WorkflowRequest{FilePath: args[0]}
			}
			return runWorkflow(cmd, opts, req)
		},
	}
	cmd.Flags().BoolVar(&file, "file", false, "treat the path as a single file")
	return cmd
}

func runWorkflow(cmd *cobra.Command, opts *options, req domain.WorkflowRequest) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		a.close(stopCtx)
	}()
	if err := a.start(ctx); err != nil {
		return err
	}

	res := a.coord.ProcessWorkflow(ctx, req)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return errWorkflowFailed
	}
	return nil
}
