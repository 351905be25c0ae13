package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var version string

type versionOpts struct {
	*rootOpts
	server bool
}

func newVersion(parent *rootOpts) *versionOpts {
	return &versionOpts{rootOpts: parent}
}

func (opts *versionOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Output the version of relayctl, and of relayd with --server",
		Example: makeExample(
			"relayctl version",
			"relayctl version --server",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.server, "server", false, "also ask relayd for its version")
	return cmd
}

func (opts *versionOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	v := version
	if v == "" {
		v = "unversioned"
	}
	out := cmd.OutOrStdout()
	if !opts.server {
		fmt.Fprintln(out, v)
		return nil
	}
	fmt.Fprintf(out, "relayctl: %s\n", v)
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	server, err := opts.API.Version(ctx)
	if err != nil {
		return errors.Wrap(err, "asking relayd for its version")
	}
	fmt.Fprintf(out, "relayd:   %s\n", server)
	if server != v {
		fmt.Fprintln(out, "\nrelayctl and relayd are different versions; some commands may not work.")
	}
	return nil
}
