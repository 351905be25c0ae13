package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type tagsOpts struct {
	*rootOpts
}

func newTags(parent *rootOpts) *tagsOpts {
	return &tagsOpts{rootOpts: parent}
}

func (opts *tagsOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "tags",
		Aliases: []string{"artifacts"},
		Short:   "List the artifacts in the registry, most recently pushed first.",
		Example: makeExample("relayctl tags"),
		RunE:    opts.RunE,
	}
}

func (opts *tagsOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	infos, err := opts.API.ListArtifacts(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].PushedAt.After(infos[j].PushedAt)
	})

	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "TAG\tDIGEST\tSIZE\tPUSHED\n")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Ref.Tag, info.Digest, humanize.Bytes(uint64(info.Size)), ago(info.PushedAt))
	}
	return w.Flush()
}
