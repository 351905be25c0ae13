package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxcd/relay/pkg/source"
)

type triggerOpts struct {
	*rootOpts
	push   source.PushEvent
	noWait bool
}

func newTrigger(parent *rootOpts) *triggerOpts {
	return &triggerOpts{rootOpts: parent}
}

func (opts *triggerOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Tell relayd about a push, starting a pipeline run if it matches the trigger.",
		Example: makeExample(
			"relayctl trigger --repository chatbot --branch main",
			"relayctl trigger --repository chatbot --branch main --revision 4a1c0e2",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.push.Repository, "repository", "", "repository that was pushed to")
	cmd.Flags().StringVar(&opts.push.Owner, "owner", "", "owner of the repository")
	cmd.Flags().StringVar(&opts.push.Branch, "branch", "main", "branch that was pushed to")
	cmd.Flags().StringVar(&opts.push.Revision, "revision", "", "commit the branch now points at; the head of the branch if empty")
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "return once the run is queued, rather than when it finishes")
	return cmd
}

func (opts *triggerOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if opts.push.Repository == "" {
		return newUsageError("--repository is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	res, err := opts.API.NotifyPush(ctx, opts.push)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !res.Accepted {
		fmt.Fprintf(out, "Push to %s does not match the pipeline's trigger; nothing to do\n", opts.push)
		return nil
	}
	fmt.Fprintf(out, "Run queued: %s\n", res.RunID)
	if opts.noWait {
		return nil
	}

	_, jobErr := awaitJob(ctx, opts.API, res.JobID, out)
	// Whether it succeeded or not, show how the run went.
	detail, err := opts.API.GetRun(ctx, res.RunID)
	if err != nil {
		if jobErr != nil {
			return jobErr
		}
		return err
	}
	printRun(out, detail)
	return jobErr
}
