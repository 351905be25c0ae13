package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type scaleOpts struct {
	*rootOpts
}

func newScale(parent *rootOpts) *scaleOpts {
	return &scaleOpts{rootOpts: parent}
}

func (opts *scaleOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "scale REPLICAS",
		Short:   "Ask for a number of replicas; the count is kept within the service's bounds.",
		Example: makeExample("relayctl scale 3"),
		RunE:    opts.RunE,
	}
}

func (opts *scaleOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return newUsageError("expected exactly one argument, the number of replicas")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return errorWantedReplicas(args[0])
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	res, err := opts.API.Scale(ctx, n)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.Applied != res.Requested {
		fmt.Fprintf(out, "Scaled to %d replicas (asked for %d)\n", res.Applied, res.Requested)
		return nil
	}
	fmt.Fprintf(out, "Scaled to %d replicas\n", res.Applied)
	return nil
}
