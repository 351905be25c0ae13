package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type deployOpts struct {
	*rootOpts
	noWait bool
}

func newDeploy(parent *rootOpts) *deployOpts {
	return &deployOpts{rootOpts: parent}
}

func (opts *deployOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy TAG",
		Short: "Deploy an artifact already in the registry, outside of any pipeline run.",
		Example: makeExample(
			"relayctl deploy v1",
			"relayctl deploy latest --no-wait",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "return once the deploy is queued, rather than when it finishes")
	return cmd
}

func (opts *deployOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedTag
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	jobID, err := opts.API.Deploy(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.noWait {
		fmt.Fprintf(out, "Deploy queued: %s\n", jobID)
		return nil
	}
	fmt.Fprintf(out, "Deploying %s ...\n", args[0])
	result, err := awaitJob(ctx, opts.API, jobID, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deployed %s\n", result.Artifact)
	return nil
}
