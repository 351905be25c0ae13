package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fluxcd/relay/pkg/api"
)

type runsOpts struct {
	*rootOpts
	limit int
}

func newRuns(parent *rootOpts) *runsOpts {
	return &runsOpts{rootOpts: parent}
}

func (opts *runsOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runs",
		Short:   "List pipeline runs, most recent first.",
		Example: makeExample("relayctl runs --limit 5"),
		RunE:    opts.RunE,
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "how many runs to show; 0 shows all that are kept")
	return cmd
}

func (opts *runsOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	runs, err := opts.API.ListRuns(ctx, opts.limit)
	if err != nil {
		return err
	}
	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "RUN\tSTATE\tBRANCH\tREVISION\tARTIFACT\tSTARTED\tTOOK\n")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.State, r.Trigger.Branch, shortRevision(r.Revision), orDash(r.Artifact), ago(r.StartedAt), took(r.StartedAt, r.EndedAt))
	}
	return w.Flush()
}

type runOpts struct {
	*rootOpts
}

func newRun(parent *rootOpts) *runOpts {
	return &runOpts{rootOpts: parent}
}

func (opts *runOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "run ID",
		Short:   "Show the stages and events of a pipeline run.",
		Example: makeExample("relayctl run 6f1e1ad2-0d5e-4c3b-9d7b-0bd0a7d3f1c5"),
		RunE:    opts.RunE,
	}
}

func (opts *runOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedRunID
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	detail, err := opts.API.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	printRun(cmd.OutOrStdout(), detail)
	return nil
}

func printRun(out io.Writer, detail api.RunDetail) {
	w := newTabwriter(out)
	fmt.Fprintf(w, "Run:\t%s\n", detail.ID)
	fmt.Fprintf(w, "Pipeline:\t%s\n", detail.Pipeline)
	fmt.Fprintf(w, "Trigger:\t%s\n", detail.Trigger)
	fmt.Fprintf(w, "State:\t%s\n", detail.State)
	if detail.Revision != "" {
		fmt.Fprintf(w, "Revision:\t%s\n", detail.Revision)
	}
	if detail.Artifact != "" {
		fmt.Fprintf(w, "Artifact:\t%s\n", detail.Artifact)
	}
	if detail.Err != "" {
		fmt.Fprintf(w, "Error:\t%s\n", detail.Err)
	}
	w.Flush()

	if len(detail.Stages) > 0 {
		fmt.Fprintln(out)
		w = newTabwriter(out)
		fmt.Fprintf(w, "STAGE\tNAME\tSTATUS\tTOOK\tERROR\n")
		for _, s := range detail.Stages {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Stage, s.Name, s.Status, took(s.StartedAt, s.EndedAt), s.Error)
		}
		w.Flush()
	}

	if len(detail.Events) > 0 {
		fmt.Fprintln(out)
		w = newTabwriter(out)
		fmt.Fprintf(w, "TIME\tEVENT\n")
		for _, e := range detail.Events {
			fmt.Fprintf(w, "%s\t%s\n", e.StartedAt.Format("15:04:05"), e.String())
		}
		w.Flush()
	}
}
