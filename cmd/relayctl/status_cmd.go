package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type statusOpts struct {
	*rootOpts
}

func newStatus(parent *rootOpts) *statusOpts {
	return &statusOpts{rootOpts: parent}
}

func (opts *statusOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show what is deployed, and how many replicas are running.",
		Example: makeExample("relayctl status"),
		RunE:    opts.RunE,
	}
}

func (opts *statusOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	st, err := opts.API.TargetStatus(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := newTabwriter(out)
	fmt.Fprintf(w, "Status:\t%s\n", st.Status)
	fmt.Fprintf(w, "Current:\t%s\n", orDash(st.Current.String()))
	if st.Digest != "" {
		fmt.Fprintf(w, "Digest:\t%s\n", st.Digest)
	}
	if st.Deploying.Image != "" {
		fmt.Fprintf(w, "Deploying:\t%s\n", st.Deploying)
	}
	fmt.Fprintf(w, "Replicas:\t%d desired (min %d, max %d)\n", st.Desired, st.Min, st.Max)
	fmt.Fprintf(w, "Rollout:\t%d updated, %d ready, %d outdated\n", st.Rollout.Updated, st.Rollout.Ready, st.Rollout.Outdated)
	for _, msg := range st.Rollout.Messages {
		fmt.Fprintf(w, "Message:\t%s\n", msg)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(st.Instances) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w = newTabwriter(out)
	fmt.Fprintf(w, "INSTANCE\tARTIFACT\tSERVING\tSTARTED\n")
	for _, in := range st.Instances {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", in.ID, in.Ref, in.Registered, ago(in.StartedAt))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
