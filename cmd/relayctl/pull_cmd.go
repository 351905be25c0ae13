package main

import (
	"context"
	"io/ioutil"

	"github.com/spf13/cobra"
)

type pullOpts struct {
	*rootOpts
	output string
}

func newPull(parent *rootOpts) *pullOpts {
	return &pullOpts{rootOpts: parent}
}

func (opts *pullOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pull TAG",
		Short:   "Fetch the artifact pushed under a tag.",
		Example: makeExample("relayctl pull latest -o imagedefinitions.json"),
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "file to write the artifact to; - writes to standard output")
	return cmd
}

func (opts *pullOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedTag
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	artifact, err := opts.API.PullArtifact(ctx, args[0])
	if err != nil {
		return err
	}
	if opts.output == "-" {
		_, err = cmd.OutOrStdout().Write(artifact)
		return err
	}
	return ioutil.WriteFile(opts.output, artifact, 0644)
}
