package main

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type pushOpts struct {
	*rootOpts
	file string
}

func newPush(parent *rootOpts) *pushOpts {
	return &pushOpts{rootOpts: parent}
}

func (opts *pushOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push TAG",
		Short: "Push an artifact to the registry under a tag.",
		Example: makeExample(
			"relayctl push v1 -f imagedefinitions.json",
			"cat imagedefinitions.json | relayctl push v1",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "-", "file holding the artifact; - reads standard input")
	return cmd
}

func (opts *pushOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedTag
	}
	var (
		artifact []byte
		err      error
	)
	if opts.file == "-" {
		artifact, err = ioutil.ReadAll(cmd.InOrStdin())
	} else {
		artifact, err = ioutil.ReadFile(opts.file)
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	info, err := opts.API.PushArtifact(ctx, args[0], artifact)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s (%s, %s)\n", info.Ref, info.Digest, humanize.Bytes(uint64(info.Size)))
	return nil
}
